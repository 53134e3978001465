package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appstage-io/appstage/internal/blob"
	"github.com/appstage-io/appstage/internal/config"
	"github.com/appstage-io/appstage/internal/dispatch"
	"github.com/appstage-io/appstage/internal/httperr"
	"github.com/appstage-io/appstage/internal/install"
	"github.com/appstage-io/appstage/internal/metrics"
	"github.com/appstage-io/appstage/internal/modulecache"
	"github.com/appstage-io/appstage/internal/preview"
	"github.com/appstage-io/appstage/internal/release"
	"github.com/appstage-io/appstage/internal/settings"
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
    function Difference(a, b) { return serverRuntime.add(a, -b) }
    return {
        AddTen: {func: AddTen, update: false, argNames: ['abc']},
        Difference: {func: Difference, update: false, argNames: ['a', 'b']}
    }
}

export default ServerApp1
`

type stubDeployer struct {
	opts   release.Options
	result json.RawMessage
	err    error
}

func (d *stubDeployer) Deploy(_ context.Context, opts release.Options) (json.RawMessage, error) {
	d.opts = opts
	return d.result, d.err
}

type stubInstaller struct {
	opts   install.Options
	result json.RawMessage
	err    error
}

func (i *stubInstaller) Install(_ context.Context, opts install.Options) (json.RawMessage, error) {
	i.opts = opts
	return i.result, i.err
}

type harness struct {
	handler       *Handler
	engine        *dispatch.Engine
	deployCache   *modulecache.Cache
	previewCache  *modulecache.Cache
	settingsCache *modulecache.Cache
	deployer      *stubDeployer
	installer     *stubInstaller
}

func newHarness(t *testing.T, services string) *harness {
	t.Helper()

	runtimeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Etag", `"runtime-v1"`)
		_, _ = w.Write([]byte(testRuntimeSource))
	}))
	t.Cleanup(runtimeSrv.Close)

	store := blob.NewMemory()
	deployCache := modulecache.New("deployCache", t.TempDir(), store, nil, nil)
	previewCache := modulecache.New("previewCache", t.TempDir(), store, nil, nil)
	settingsCache := modulecache.New("settings", t.TempDir(), store, nil, nil)

	engine := dispatch.New(deployCache, previewCache, nil, nil, nil)
	settingsStore := settings.New(settingsCache, nil, "test-project", nil)
	previewService := preview.New(previewCache, settingsStore, engine, runtimeSrv.URL+"/serverRuntime.cjs", time.Hour, nil)

	deployer := &stubDeployer{result: json.RawMessage(`{"commitId":"abc123def456"}`)}
	installer := &stubInstaller{result: json.RawMessage(`{"serviceUrl":"https://svc.run.app"}`)}

	handler, err := NewHandler(
		engine, deployer, installer, settingsStore, previewService,
		deployCache, metrics.NewRecorder(nil),
		config.ServicesConfig{Available: services}, nil,
	)
	require.NoError(t, err)

	return &harness{
		handler:       handler,
		engine:        engine,
		deployCache:   deployCache,
		previewCache:  previewCache,
		settingsCache: settingsCache,
		deployer:      deployer,
		installer:     installer,
	}
}

func (h *harness) client(t *testing.T) *httpexpect.Expect {
	srv := httptest.NewServer(h.handler)
	t.Cleanup(srv.Close)
	return httpexpect.Default(t, srv.URL)
}

func (h *harness) seedApp(t *testing.T, prefix string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.deployCache.Store(ctx, prefix+"server/ServerApp1.mjs", []byte(testAppSource), ""))
	require.NoError(t, h.deployCache.Store(ctx, prefix+"server/serverRuntime.cjs", []byte(testRuntimeSource), ""))
}

func (h *harness) setPreviewPassword(t *testing.T, password string) {
	t.Helper()
	blob, err := json.Marshal(map[string]string{"previewPassword": password})
	require.NoError(t, err)
	require.NoError(t, h.settingsCache.Store(context.Background(), ".settings.json", blob, ""))
}

func TestDispatchGetCoercesQueryParams(t *testing.T) {
	h := newHarness(t, "app")
	h.seedApp(t, "abc123def456/")

	h.client(t).GET("/capi/abc123def456/ServerApp1/AddTen").
		WithQuery("abc", "20").
		Expect().Status(http.StatusOK).
		JSON().Number().IsEqual(30)
}

func TestDispatchPostReadsJSONBody(t *testing.T) {
	h := newHarness(t, "app")
	h.seedApp(t, "abc123def456/")

	h.client(t).POST("/capi/abc123def456/ServerApp1/Difference").
		WithJSON(map[string]any{"a": 7, "b": 3}).
		Expect().Status(http.StatusOK).
		JSON().Number().IsEqual(4)
}

func TestDispatchUnknownFunctionReturnsErrorEnvelope(t *testing.T) {
	h := newHarness(t, "app")
	h.seedApp(t, "abc123def456/")

	resp := h.client(t).GET("/capi/abc123def456/ServerApp1/BadFn").
		Expect().Status(http.StatusNotFound).JSON().Object()
	resp.Path("$.error.status").Number().IsEqual(http.StatusNotFound)
	resp.Path("$.error.message").String().IsEqual("Not Found: BadFn")
}

func TestDeployPassesTokensAndBody(t *testing.T) {
	h := newHarness(t, "admin")

	h.client(t).POST("/deploy").
		WithHeader("x-firebase-access-token", "google-token").
		WithHeader("x-github-access-token", "github-token").
		WithJSON(map[string]string{"gitRepoUrl": "https://github.com/x/y", "firebaseProject": "proj-1"}).
		Expect().Status(http.StatusOK).
		JSON().Object().Path("$.commitId").String().IsEqual("abc123def456")

	assert.Equal(t, "https://github.com/x/y", h.deployer.opts.GitRepoURL)
	assert.Equal(t, "proj-1", h.deployer.opts.Project)
	assert.Equal(t, "google-token", h.deployer.opts.FirebaseToken)
	assert.Equal(t, "github-token", h.deployer.opts.GitHubToken)
}

func TestDeployValidationFailureIs400(t *testing.T) {
	h := newHarness(t, "admin")
	h.deployer.err = httperr.Validation("Git URL")

	h.client(t).POST("/deploy").
		WithJSON(map[string]string{}).
		Expect().Status(http.StatusBadRequest).
		JSON().Object().Path("$.error.message").String().IsEqual("Git URL not supplied")
}

func TestClearCacheWipesDeploysAndLoadedApps(t *testing.T) {
	h := newHarness(t, "app, admin")
	h.seedApp(t, "abc123def456/")
	client := h.client(t)

	client.GET("/capi/abc123def456/ServerApp1/AddTen").WithQuery("abc", "1").
		Expect().Status(http.StatusOK)
	require.Equal(t, 1, h.engine.LoadedAppCount())

	client.POST("/clearcache").Expect().Status(http.StatusOK)

	assert.Equal(t, 0, h.engine.LoadedAppCount())
	exists, err := h.deployCache.Exists(context.Background(), "abc123def456/server/ServerApp1.mjs")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSetupRequiresAccessToken(t *testing.T) {
	h := newHarness(t, "admin")

	h.client(t).POST("/setup").
		WithJSON(map[string]any{"settings": map[string]any{}}).
		Expect().Status(http.StatusBadRequest).
		JSON().Object().Path("$.error.message").String().IsEqual("Google access token not supplied")
}

func TestStatusReflectsStoredClientConfig(t *testing.T) {
	h := newHarness(t, "admin")
	client := h.client(t)

	before := client.GET("/status").Expect().Status(http.StatusOK).JSON().Object()
	before.Path("$.status").String().IsEqual("Error")
	before.Path("$.description").String().IsEqual("Extension not set up")

	require.NoError(t, h.settingsCache.Store(context.Background(), "firebaseConfig.json", []byte(`{"projectId":"p"}`), ""))

	after := client.GET("/status").Expect().Status(http.StatusOK).JSON().Object()
	after.Path("$.status").String().IsEqual("OK")
	after.NotContainsKey("description")
}

func TestPreviewUploadIsPasswordGated(t *testing.T) {
	h := newHarness(t, "app, preview")
	h.setPreviewPassword(t, "secret")
	client := h.client(t)

	bundle := "//// File: server/ServerApp1.mjs\n" + testAppSource + "\n//// End of file\n"

	client.PUT("/preview").WithText(bundle).
		Expect().Status(http.StatusUnauthorized).
		JSON().Object().Path("$.error.message").String().IsEqual("Preview password not supplied")

	client.PUT("/preview").WithText(bundle).
		WithHeader("x-preview-password", "wrong").
		Expect().Status(http.StatusForbidden).
		JSON().Object().Path("$.error.message").String().IsEqual("Invalid password")

	client.PUT("/preview").WithText(bundle).
		WithHeader("x-preview-password", "secret").
		Expect().Status(http.StatusOK)

	client.GET("/preview/server/ServerApp1.mjs").
		Expect().Status(http.StatusOK).Body().Contains("AddTen")

	client.GET("/capi/preview/ServerApp1/AddTen").WithQuery("abc", "5").
		Expect().Status(http.StatusOK).
		JSON().Number().IsEqual(15)
}

func TestPreviewClearRemovesServedFiles(t *testing.T) {
	h := newHarness(t, "preview")
	h.setPreviewPassword(t, "secret")
	client := h.client(t)

	bundle := "//// File: index.html\n<html></html>\n//// End of file\n"
	client.PUT("/preview").WithText(bundle).
		WithHeader("x-preview-password", "secret").
		Expect().Status(http.StatusOK)
	client.GET("/preview/index.html").Expect().Status(http.StatusOK)

	client.POST("/preview/clear").
		WithHeader("x-preview-password", "secret").
		Expect().Status(http.StatusOK)
	client.GET("/preview/index.html").Expect().Status(http.StatusNotFound)
}

func TestInstallPassesProjectAndToken(t *testing.T) {
	h := newHarness(t, "install")

	h.client(t).POST("/install").
		WithHeader("x-firebase-access-token", "google-token").
		WithJSON(map[string]string{"firebaseProject": "proj-1", "region": "europe-west2"}).
		Expect().Status(http.StatusOK).
		JSON().Object().Path("$.serviceUrl").String().IsEqual("https://svc.run.app")

	assert.Equal(t, "proj-1", h.installer.opts.Project)
	assert.Equal(t, "europe-west2", h.installer.opts.Region)
	assert.Equal(t, "google-token", h.installer.opts.FirebaseToken)
}

func TestDisabledServicesAreHidden(t *testing.T) {
	h := newHarness(t, "app")
	client := h.client(t)

	client.GET("/status").Expect().Status(http.StatusNotFound)
	client.POST("/install").WithJSON(map[string]string{}).Expect().Status(http.StatusNotFound)
	client.PUT("/preview").Expect().Status(http.StatusNotFound)
}

func TestOperationalEndpoints(t *testing.T) {
	h := newHarness(t, "admin")
	client := h.client(t)

	client.GET("/healthz").Expect().Status(http.StatusOK).Body().IsEqual("ok")
	client.GET("/metrics").Expect().Status(http.StatusOK).Body().Contains("go_goroutines")
	client.GET("/admin/overview").Expect().Status(http.StatusOK).
		Body().Contains("Setup status: Error").Contains("admin")
}
