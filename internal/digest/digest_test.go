package digest

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestFileDigestIsStable(t *testing.T) {
	a, err := File("/index.html", []byte("<html></html>"))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	b, err := File("/index.html", []byte("<html></html>"))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if a.Hash != b.Hash {
		t.Fatalf("identical content must hash identically: %s vs %s", a.Hash, b.Hash)
	}

	c, err := File("/index.html", []byte("<html>changed</html>"))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if c.Hash == a.Hash {
		t.Fatalf("different content must hash differently")
	}
}

func TestFileGzippedRoundTrips(t *testing.T) {
	fd, err := File("/app.js", []byte("console.log('hi')"))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(fd.Gzipped))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(plain) != "console.log('hi')" {
		t.Fatalf("gzipped bytes must decompress to the original: %q", plain)
	}
}

func TestTreeWalksNestedFiles(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"index.html":          "<html/>",
		"app1/index.html":     "<html>app1</html>",
		"files/logo.svg":      "<svg/>",
		"app1/deep/chunk.js":  "x",
		"app1/deep/chunk2.js": "y",
	}
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	digests, err := Tree(context.Background(), dir)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if len(digests) != len(files) {
		t.Fatalf("expected %d digests, got %d", len(files), len(digests))
	}
	for rel := range files {
		if _, ok := digests["/"+rel]; !ok {
			t.Fatalf("missing digest for /%s", rel)
		}
	}

	hashes := Hashes(digests)
	if hashes["/index.html"] != digests["/index.html"].Hash {
		t.Fatalf("hashes projection mismatch")
	}

	fd, ok := ByHash(digests, digests["/files/logo.svg"].Hash)
	if !ok || fd.RelativePath != "/files/logo.svg" {
		t.Fatalf("by hash lookup failed: %+v", fd)
	}
	if _, ok := ByHash(digests, "no-such-hash"); ok {
		t.Fatalf("unknown hash must not resolve")
	}
}
