package modulecache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/appstage-io/appstage/internal/blob"
	"github.com/appstage-io/appstage/internal/httperr"
)

// countingStore wraps a blob store to observe remote-tier traffic.
type countingStore struct {
	blob.Store
	gets atomic.Int64
}

func (s *countingStore) Get(ctx context.Context, key string) (blob.Object, bool, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, key)
}

// failingStore rejects writes so dual-write failure masking can be verified.
type failingStore struct {
	blob.Store
}

func (s *failingStore) Put(context.Context, string, blob.Object) error {
	return errors.New("remote tier unavailable")
}

func newTestCache(t *testing.T) (*Cache, *countingStore) {
	t.Helper()
	remote := &countingStore{Store: blob.NewMemory()}
	cache := New("deployCache", t.TempDir(), remote, nil, nil)
	return cache, remote
}

func TestStoreThenDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)

	ok, err := cache.Exists(ctx, "abc123/server/App.mjs")
	if err != nil {
		t.Fatalf("exists before store: %v", err)
	}
	if ok {
		t.Fatalf("expected entry to be absent before store")
	}

	contents := []byte("export default fn")
	if err := cache.Store(ctx, "abc123/server/App.mjs", contents, ""); err != nil {
		t.Fatalf("store: %v", err)
	}

	ok, err = cache.Exists(ctx, "abc123/server/App.mjs")
	if err != nil || !ok {
		t.Fatalf("exists after store: ok=%v err=%v", ok, err)
	}

	dest := filepath.Join(t.TempDir(), "out", "App.mjs")
	found, err := cache.DownloadToFile(ctx, "abc123/server/App.mjs", dest)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !found {
		t.Fatalf("expected remote hit")
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(got) != string(contents) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestEtagRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)

	if err := cache.Store(ctx, "preview/server/serverRuntime.cjs", []byte("runtime"), `W/"v42"`); err != nil {
		t.Fatalf("store: %v", err)
	}
	etag, err := cache.Etag(ctx, "preview/server/serverRuntime.cjs")
	if err != nil {
		t.Fatalf("etag: %v", err)
	}
	if etag != `W/"v42"` {
		t.Fatalf("etag mismatch: %q", etag)
	}

	etag, err = cache.Etag(ctx, "never/stored")
	if err != nil {
		t.Fatalf("etag of absent path must not error: %v", err)
	}
	if etag != "" {
		t.Fatalf("expected no etag, got %q", etag)
	}
}

func TestGetFromCachePrefersLocalTier(t *testing.T) {
	ctx := context.Background()
	cache, remote := newTestCache(t)

	if err := cache.Store(ctx, "abc/server/App.mjs", []byte("code"), ""); err != nil {
		t.Fatalf("store: %v", err)
	}
	remote.gets.Store(0)

	localPath := cache.LocalPath("abc/server/App.mjs")
	if err := cache.GetFromCache(ctx, "abc/server/App.mjs", localPath); err != nil {
		t.Fatalf("get from cache: %v", err)
	}
	if remote.gets.Load() != 0 {
		t.Fatalf("local hit must not touch the remote tier, saw %d gets", remote.gets.Load())
	}
}

func TestGetFromCacheMissIsFatal(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)

	err := cache.GetFromCache(ctx, "missing/path", cache.LocalPath("missing/path"))
	if err == nil {
		t.Fatalf("expected cache miss error")
	}
	if httperr.StatusOf(err) != http.StatusInternalServerError {
		t.Fatalf("cache miss must map to 500, got %d", httperr.StatusOf(err))
	}
}

func TestStoreFailsWhenEitherTierFails(t *testing.T) {
	ctx := context.Background()
	cache := New("deployCache", t.TempDir(), &failingStore{Store: blob.NewMemory()}, nil, nil)

	if err := cache.Store(ctx, "abc/file", []byte("x"), ""); err == nil {
		t.Fatalf("expected dual write to surface remote failure")
	}
}

func TestClearIsPrefixScoped(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)

	if err := cache.Store(ctx, "preview/server/App.mjs", []byte("p"), ""); err != nil {
		t.Fatalf("store preview: %v", err)
	}
	if err := cache.Store(ctx, "abc123/server/App.mjs", []byte("d"), ""); err != nil {
		t.Fatalf("store deploy: %v", err)
	}

	if err := cache.Clear(ctx, "preview"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	ok, err := cache.Exists(ctx, "preview/server/App.mjs")
	if err != nil {
		t.Fatalf("exists preview: %v", err)
	}
	if ok {
		t.Fatalf("preview entry must be gone")
	}
	if _, err := os.Stat(cache.LocalPath("preview/server/App.mjs")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("local preview copy must be gone: %v", err)
	}

	ok, err = cache.Exists(ctx, "abc123/server/App.mjs")
	if err != nil || !ok {
		t.Fatalf("deploy entry must survive: ok=%v err=%v", ok, err)
	}
	if _, err := os.Stat(cache.LocalPath("abc123/server/App.mjs")); err != nil {
		t.Fatalf("local deploy copy must survive: %v", err)
	}
}

func TestSourceModified(t *testing.T) {
	ctx := context.Background()

	var sawConditional atomic.Bool
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"current"` {
			sawConditional.Store(true)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Etag", `"current"`)
		_, _ = w.Write([]byte("runtime code"))
	}))
	defer source.Close()

	cache, _ := newTestCache(t)

	// No etag stored yet: always modified.
	modified, err := cache.SourceModified(ctx, source.URL, "preview/server/serverRuntime.cjs")
	if err != nil {
		t.Fatalf("source modified: %v", err)
	}
	if !modified {
		t.Fatalf("missing etag must report modified")
	}

	if err := cache.StoreFromSource(ctx, source.URL, "preview/server/serverRuntime.cjs"); err != nil {
		t.Fatalf("store from source: %v", err)
	}

	modified, err = cache.SourceModified(ctx, source.URL, "preview/server/serverRuntime.cjs")
	if err != nil {
		t.Fatalf("source modified: %v", err)
	}
	if modified {
		t.Fatalf("matching etag must report unmodified")
	}
	if !sawConditional.Load() {
		t.Fatalf("expected a conditional request with If-None-Match")
	}
}
