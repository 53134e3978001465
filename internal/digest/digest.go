// Package digest computes the content-addressable identities the release
// pipeline diffs against the hosting provider: SHA-256 over gzip-compressed
// file bytes.
package digest

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
)

// FileDigest identifies one file of a build output tree by the hash of its
// compressed bytes. Gzipped holds the exact bytes the provider expects to
// receive for that hash.
type FileDigest struct {
	RelativePath string
	Hash         string
	Gzipped      []byte
}

// hashWorkers bounds concurrent compression so a large build tree cannot pin
// every CPU during a deploy.
const hashWorkers = 8

// File compresses and hashes a single byte slice.
func File(relativePath string, contents []byte) (FileDigest, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(contents); err != nil {
		return FileDigest{}, fmt.Errorf("digest: gzip %s: %w", relativePath, err)
	}
	if err := zw.Close(); err != nil {
		return FileDigest{}, fmt.Errorf("digest: gzip close %s: %w", relativePath, err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return FileDigest{
		RelativePath: relativePath,
		Hash:         hex.EncodeToString(sum[:]),
		Gzipped:      buf.Bytes(),
	}, nil
}

// Tree walks dir and digests every regular file concurrently. Keys are
// slash-separated paths relative to dir with a leading "/", the form the
// hosting diff protocol expects.
func Tree(ctx context.Context, dir string) (map[string]FileDigest, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("digest: walk %s: %w", dir, err)
	}

	var mu sync.Mutex
	digests := make(map[string]FileDigest, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(hashWorkers)
	for _, path := range paths {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			contents, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("digest: read %s: %w", path, err)
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			fd, err := File("/"+filepath.ToSlash(rel), contents)
			if err != nil {
				return err
			}
			mu.Lock()
			digests[fd.RelativePath] = fd
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return digests, nil
}

// Hashes projects a digest set to the path->hash map the provider's diff
// endpoint consumes.
func Hashes(digests map[string]FileDigest) map[string]string {
	hashes := make(map[string]string, len(digests))
	for path, fd := range digests {
		hashes[path] = fd.Hash
	}
	return hashes
}

// ByHash finds the digest carrying a provider-requested hash.
func ByHash(digests map[string]FileDigest, hash string) (FileDigest, bool) {
	for _, fd := range digests {
		if fd.Hash == hash {
			return fd, true
		}
	}
	return FileDigest{}, false
}
