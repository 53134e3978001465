package dispatch

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appstage-io/appstage/internal/auth"
	"github.com/appstage-io/appstage/internal/blob"
	"github.com/appstage-io/appstage/internal/httperr"
	"github.com/appstage-io/appstage/internal/modulecache"
)

const testRuntimeSource = `
module.exports = {
    add: function(a, b) { return a + b }
}
`

const testAppSource = `
import * as serverRuntime from './serverRuntime.cjs'

const ServerApp1 = (user) => {
    async function AddTen(abc) { return abc + 10 }
    async function Difference(a, b) { return serverRuntime.add(a, -b) }
    function UpdateThing(id) { return 'updated ' + id }
    function WhoAmI() { return user ? user.uid : 'anonymous' }
    function Blowup() { throw {status: 418, message: 'teapot'} }
    return {
        AddTen: {func: AddTen, update: false, argNames: ['abc']},
        Difference: {func: Difference, update: false, argNames: ['a', 'b']},
        UpdateThing: {func: UpdateThing, update: true, argNames: ['id']},
        WhoAmI: {func: WhoAmI, update: false, argNames: []},
        Blowup: {func: Blowup, update: false, argNames: []}
    }
}

export default ServerApp1
`

const changedAppSource = `
import * as serverRuntime from './serverRuntime.cjs'

const ServerApp1 = (user) => {
    async function AddTen(abc) { return abc + 1000 }
    return {
        AddTen: {func: AddTen, update: false, argNames: ['abc']}
    }
}

export default ServerApp1
`

type stubVerifier struct {
	user *auth.User
	err  error
}

func (v stubVerifier) Verify(context.Context, string) (*auth.User, error) {
	return v.user, v.err
}

func testEngine(t *testing.T, verifier auth.Verifier) (*Engine, *modulecache.Cache, *modulecache.Cache) {
	t.Helper()
	store := blob.NewMemory()
	deployCache := modulecache.New("deployCache", t.TempDir(), store, nil, nil)
	previewCache := modulecache.New("previewCache", t.TempDir(), store, nil, nil)
	return New(deployCache, previewCache, verifier, nil, nil), deployCache, previewCache
}

func seedApp(t *testing.T, cache *modulecache.Cache, prefix, appSource string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, cache.Store(ctx, prefix+"server/ServerApp1.mjs", []byte(appSource), ""))
	require.NoError(t, cache.Store(ctx, prefix+"server/"+runtimeFileName, []byte(testRuntimeSource), ""))
}

func TestCallInvokesTenantFunction(t *testing.T) {
	engine, deployCache, _ := testEngine(t, nil)
	seedApp(t, deployCache, "abc123def456/", testAppSource)

	result, err := engine.Call(context.Background(), Request{
		Version: "abc123def456",
		App:     "ServerApp1",
		Fn:      "AddTen",
		Method:  http.MethodGet,
		Params:  map[string]any{"abc": float64(20)},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 30, result)
}

func TestCallUsesSharedRuntime(t *testing.T) {
	engine, deployCache, _ := testEngine(t, nil)
	seedApp(t, deployCache, "abc123def456/", testAppSource)

	result, err := engine.Call(context.Background(), Request{
		Version: "abc123def456",
		App:     "ServerApp1",
		Fn:      "Difference",
		Method:  http.MethodGet,
		Params:  map[string]any{"a": float64(7), "b": float64(3)},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 4, result)
}

func TestCallUnknownFunctionIs404(t *testing.T) {
	engine, deployCache, _ := testEngine(t, nil)
	seedApp(t, deployCache, "abc123def456/", testAppSource)

	_, err := engine.Call(context.Background(), Request{
		Version: "abc123def456",
		App:     "ServerApp1",
		Fn:      "BadFn",
		Method:  http.MethodGet,
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperr.StatusOf(err))
	assert.Equal(t, "Not Found: BadFn", err.Error())
}

func TestCallUnknownAppIsCacheMiss(t *testing.T) {
	engine, _, _ := testEngine(t, nil)

	_, err := engine.Call(context.Background(), Request{
		Version: "abc123def456",
		App:     "NoSuchApp",
		Fn:      "AddTen",
		Method:  http.MethodGet,
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, httperr.StatusOf(err))
	assert.Contains(t, err.Error(), "File not found in cache")
}

func TestUpdateFunctionsRequirePost(t *testing.T) {
	engine, deployCache, _ := testEngine(t, nil)
	seedApp(t, deployCache, "abc123def456/", testAppSource)

	_, err := engine.Call(context.Background(), Request{
		Version: "abc123def456",
		App:     "ServerApp1",
		Fn:      "UpdateThing",
		Method:  http.MethodGet,
		Params:  map[string]any{"id": "x1"},
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, httperr.StatusOf(err))

	result, err := engine.Call(context.Background(), Request{
		Version: "abc123def456",
		App:     "ServerApp1",
		Fn:      "UpdateThing",
		Method:  http.MethodPost,
		Params:  map[string]any{"id": "x1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "updated x1", result)
}

func TestTenantThrownStatusIsPreserved(t *testing.T) {
	engine, deployCache, _ := testEngine(t, nil)
	seedApp(t, deployCache, "abc123def456/", testAppSource)

	_, err := engine.Call(context.Background(), Request{
		Version: "abc123def456",
		App:     "ServerApp1",
		Fn:      "Blowup",
		Method:  http.MethodGet,
	})
	require.Error(t, err)
	assert.Equal(t, 418, httperr.StatusOf(err))
	assert.Equal(t, "teapot", err.Error())
}

func TestIdentityReachesTenantFunctions(t *testing.T) {
	engine, deployCache, _ := testEngine(t, stubVerifier{user: &auth.User{ID: "user-7"}})
	seedApp(t, deployCache, "abc123def456/", testAppSource)

	anonymous, err := engine.Call(context.Background(), Request{
		Version: "abc123def456",
		App:     "ServerApp1",
		Fn:      "WhoAmI",
		Method:  http.MethodGet,
	})
	require.NoError(t, err)
	assert.Equal(t, "anonymous", anonymous)

	identified, err := engine.Call(context.Background(), Request{
		Version: "abc123def456",
		App:     "ServerApp1",
		Fn:      "WhoAmI",
		Method:  http.MethodGet,
		Token:   "a.b.c",
	})
	require.NoError(t, err)
	assert.Equal(t, "user-7", identified)
}

func TestInvalidTokenIs401(t *testing.T) {
	engine, deployCache, _ := testEngine(t, stubVerifier{err: assert.AnError})
	seedApp(t, deployCache, "abc123def456/", testAppSource)

	_, err := engine.Call(context.Background(), Request{
		Version: "abc123def456",
		App:     "ServerApp1",
		Fn:      "WhoAmI",
		Method:  http.MethodGet,
		Token:   "bad",
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, httperr.StatusOf(err))
}

func TestLatestVersionResolvesThroughMarker(t *testing.T) {
	engine, deployCache, _ := testEngine(t, nil)
	seedApp(t, deployCache, "abc123def456/", testAppSource)
	require.NoError(t, deployCache.Store(context.Background(), "latestCommit", []byte("abc123def456"), ""))

	result, err := engine.Call(context.Background(), Request{
		Version: LatestVersion,
		App:     "ServerApp1",
		Fn:      "AddTen",
		Method:  http.MethodGet,
		Params:  map[string]any{"abc": float64(1)},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 11, result)
}

func TestVersionsServeIndependentModules(t *testing.T) {
	engine, deployCache, _ := testEngine(t, nil)
	seedApp(t, deployCache, "oldcommit0001/", testAppSource)
	seedApp(t, deployCache, "newcommit0002/", changedAppSource)

	call := func(version string) any {
		result, err := engine.Call(context.Background(), Request{
			Version: version,
			App:     "ServerApp1",
			Fn:      "AddTen",
			Method:  http.MethodGet,
			Params:  map[string]any{"abc": float64(20)},
		})
		require.NoError(t, err)
		return result
	}

	assert.EqualValues(t, 30, call("oldcommit0001"))
	assert.EqualValues(t, 1020, call("newcommit0002"))

	// Loading the newer commit must not disturb the older one's instance.
	assert.EqualValues(t, 30, call("oldcommit0001"))
	assert.Equal(t, 2, engine.LoadedAppCount())
}

func TestInvalidateEvictsOnlyNamedApp(t *testing.T) {
	engine, _, previewCache := testEngine(t, nil)
	ctx := context.Background()
	seedApp(t, previewCache, "", testAppSource)
	require.NoError(t, previewCache.Store(ctx, "server/ServerApp2.mjs", []byte(testAppSource), ""))

	call := func(app string) any {
		result, err := engine.Call(ctx, Request{
			Preview: true,
			App:     app,
			Fn:      "AddTen",
			Method:  http.MethodGet,
			Params:  map[string]any{"abc": float64(1)},
		})
		require.NoError(t, err)
		return result
	}

	assert.EqualValues(t, 11, call("ServerApp1"))
	assert.EqualValues(t, 11, call("ServerApp2"))

	seedApp(t, previewCache, "", changedAppSource)
	require.NoError(t, previewCache.Store(ctx, "server/ServerApp2.mjs", []byte(changedAppSource), ""))
	engine.Invalidate("ServerApp1")

	assert.EqualValues(t, 1001, call("ServerApp1"))
	// ServerApp2 was not evicted, so its loaded instance still serves the
	// sources it was built from.
	assert.EqualValues(t, 11, call("ServerApp2"))
}

func TestPreviewInvalidationReloadsModule(t *testing.T) {
	engine, _, previewCache := testEngine(t, nil)
	seedApp(t, previewCache, "", testAppSource)

	call := func() any {
		result, err := engine.Call(context.Background(), Request{
			Preview: true,
			App:     "ServerApp1",
			Fn:      "AddTen",
			Method:  http.MethodGet,
			Params:  map[string]any{"abc": float64(1)},
		})
		require.NoError(t, err)
		return result
	}

	assert.EqualValues(t, 11, call())

	// A new upload alone does not change served behavior; the loaded app
	// stays pinned until eviction.
	seedApp(t, previewCache, "", changedAppSource)
	assert.EqualValues(t, 11, call())

	engine.Invalidate("ServerApp1")
	assert.EqualValues(t, 1001, call())
}
