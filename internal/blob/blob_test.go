package blob

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	valkeyStore, err := NewValkey(ValkeyConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new valkey: %v", err)
	}
	return map[string]Store{
		"memory": NewMemory(),
		"valkey": valkeyStore,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := store.Exists(ctx, "deployCache/abc/server/App.mjs")
			if err != nil {
				t.Fatalf("exists before put: %v", err)
			}
			if ok {
				t.Fatalf("expected key to be absent before put")
			}

			obj := Object{Contents: []byte("export default x"), SourceEtag: "W/\"etag-1\""}
			if err := store.Put(ctx, "deployCache/abc/server/App.mjs", obj); err != nil {
				t.Fatalf("put: %v", err)
			}

			got, ok, err := store.Get(ctx, "deployCache/abc/server/App.mjs")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !ok {
				t.Fatalf("expected hit after put")
			}
			if string(got.Contents) != "export default x" || got.SourceEtag != "W/\"etag-1\"" {
				t.Fatalf("unexpected object: %#v", got)
			}

			ok, err = store.Exists(ctx, "deployCache/abc/server/App.mjs")
			if err != nil || !ok {
				t.Fatalf("exists after put: ok=%v err=%v", ok, err)
			}

			if err := store.Close(ctx); err != nil {
				t.Fatalf("close: %v", err)
			}
		})
	}
}

func TestDeletePrefixIsScoped(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := store.Put(ctx, "dir1/x", Object{Contents: []byte("one")}); err != nil {
				t.Fatalf("put dir1/x: %v", err)
			}
			if err := store.Put(ctx, "dir2/y", Object{Contents: []byte("two")}); err != nil {
				t.Fatalf("put dir2/y: %v", err)
			}

			if err := store.DeletePrefix(ctx, "dir1"); err != nil {
				t.Fatalf("delete prefix: %v", err)
			}

			_, ok, err := store.Get(ctx, "dir1/x")
			if err != nil {
				t.Fatalf("get dir1/x: %v", err)
			}
			if ok {
				t.Fatalf("expected dir1/x to be gone")
			}

			got, ok, err := store.Get(ctx, "dir2/y")
			if err != nil || !ok {
				t.Fatalf("expected dir2/y to survive: ok=%v err=%v", ok, err)
			}
			if string(got.Contents) != "two" {
				t.Fatalf("unexpected contents: %q", got.Contents)
			}
		})
	}
}

func TestMemoryCloneIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	contents := []byte("mutable")
	if err := store.Put(ctx, "key", Object{Contents: contents}); err != nil {
		t.Fatalf("put: %v", err)
	}
	contents[0] = 'X'

	got, _, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Contents) != "mutable" {
		t.Fatalf("store leaked caller's slice: %q", got.Contents)
	}
}

func TestValkeyMissingEtagIsEmpty(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	store, err := NewValkey(ValkeyConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new valkey: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "no-etag", Object{Contents: []byte("data")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := store.Get(ctx, "no-etag")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.SourceEtag != "" {
		t.Fatalf("expected empty etag, got %q", got.SourceEtag)
	}
}
