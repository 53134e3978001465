// Package modulecache layers a fast per-instance disk tier over the durable
// remote blob store. Entries are immutable under their cache path; the one
// mutable slot (the shared server runtime) is managed through explicit
// etag-based staleness checks rather than overwrites.
package modulecache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/appstage-io/appstage/internal/blob"
	"github.com/appstage-io/appstage/internal/httperr"
)

// Cache is one keyspace root ("deployCache", "previewCache", "settings")
// within the remote store, mirrored under a local directory.
type Cache struct {
	root     string
	localDir string
	remote   blob.Store
	client   *http.Client
	logger   *slog.Logger
}

// New binds a cache root to its local mirror directory. The HTTP client is
// used for conditional requests against canonical source URLs; pass nil to use
// the default client.
func New(root, localDir string, remote blob.Store, client *http.Client, logger *slog.Logger) *Cache {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		root:     root,
		localDir: localDir,
		remote:   remote,
		client:   client,
		logger:   logger.With(slog.String("component", "modulecache"), slog.String("root", root)),
	}
}

// LocalPath maps a cache path to its position in the local tier.
func (c *Cache) LocalPath(cachePath string) string {
	return filepath.Join(c.localDir, filepath.FromSlash(cachePath))
}

// remoteKey prefixes the root and strips URL schemes so source URLs can serve
// directly as cache paths.
func (c *Cache) remoteKey(cachePath string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(cachePath, "https://"), "http://")
	return c.root + "/" + trimmed
}

// DownloadToFile copies a remote entry to localPath, reporting whether the
// entry existed. The local tier is not consulted; callers wanting
// local-first reads use GetFromCache.
func (c *Cache) DownloadToFile(ctx context.Context, cachePath, localPath string) (bool, error) {
	obj, ok, err := c.remote.Get(ctx, c.remoteKey(cachePath))
	if err != nil {
		return false, fmt.Errorf("modulecache: download %s: %w", cachePath, err)
	}
	if !ok {
		return false, nil
	}
	if err := writeFile(localPath, obj.Contents); err != nil {
		return false, fmt.Errorf("modulecache: write %s: %w", localPath, err)
	}
	return true, nil
}

// GetFromCache is the get-or-fail read path every consumer uses: a local copy
// wins without touching the remote tier; a remote hit is materialized to
// disk; a miss in both tiers is fatal for the caller.
func (c *Cache) GetFromCache(ctx context.Context, cachePath, localPath string) error {
	if _, err := os.Stat(localPath); err == nil {
		return nil
	}
	c.logger.Debug("fetching from cache", slog.String("cache_path", cachePath))
	found, err := c.DownloadToFile(ctx, cachePath, localPath)
	if err != nil {
		return err
	}
	if !found {
		return httperr.CacheMiss(cachePath)
	}
	return nil
}

// ReadFromCache resolves an entry through the get-or-fail path and returns
// its bytes.
func (c *Cache) ReadFromCache(ctx context.Context, cachePath string) ([]byte, error) {
	localPath := c.LocalPath(cachePath)
	if err := c.GetFromCache(ctx, cachePath, localPath); err != nil {
		return nil, err
	}
	return os.ReadFile(localPath)
}

// Store dual-writes an entry to disk and the remote tier. Both writes must
// succeed; a failed tier fails the whole operation so callers never observe a
// half-written entry as success.
func (c *Cache) Store(ctx context.Context, cachePath string, contents []byte, etag string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := writeFile(c.LocalPath(cachePath), contents); err != nil {
			return fmt.Errorf("modulecache: local store %s: %w", cachePath, err)
		}
		return nil
	})
	g.Go(func() error {
		if err := c.remote.Put(ctx, c.remoteKey(cachePath), blob.Object{Contents: contents, SourceEtag: etag}); err != nil {
			return fmt.Errorf("modulecache: remote store %s: %w", cachePath, err)
		}
		return nil
	})
	return g.Wait()
}

// Exists consults the remote tier only; presence on one instance's disk says
// nothing about the authoritative store.
func (c *Cache) Exists(ctx context.Context, cachePath string) (bool, error) {
	return c.remote.Exists(ctx, c.remoteKey(cachePath))
}

// Etag returns the stored provenance token, or "" when the entry is absent or
// carries none.
func (c *Cache) Etag(ctx context.Context, cachePath string) (string, error) {
	obj, ok, err := c.remote.Get(ctx, c.remoteKey(cachePath))
	if err != nil || !ok {
		return "", err
	}
	return obj.SourceEtag, nil
}

// Clear removes every entry under the prefix from both tiers, leaving other
// prefixes untouched. An empty prefix clears the whole root.
func (c *Cache) Clear(ctx context.Context, prefix string) error {
	remotePrefix := c.root + "/"
	localPath := c.localDir
	if prefix != "" {
		remotePrefix += prefix
		localPath = filepath.Join(c.localDir, filepath.FromSlash(prefix))
	}
	if err := c.remote.DeletePrefix(ctx, remotePrefix); err != nil {
		return fmt.Errorf("modulecache: clear remote %q: %w", prefix, err)
	}
	if err := os.RemoveAll(localPath); err != nil {
		return fmt.Errorf("modulecache: clear local %q: %w", prefix, err)
	}
	return nil
}

// SourceModified performs the conditional-request staleness check for the
// runtime slot: true when the canonical source answers anything but 304 for
// the stored etag, or when no etag was ever stored.
func (c *Cache) SourceModified(ctx context.Context, url, cachePath string) (bool, error) {
	etag, err := c.Etag(ctx, cachePath)
	if err != nil {
		return false, err
	}
	if etag == "" {
		return true, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("modulecache: staleness request %s: %w", url, err)
	}
	req.Header.Set("If-None-Match", etag)
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("modulecache: staleness check %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode != http.StatusNotModified, nil
}

// StoreFromSource downloads a canonical source URL and dual-writes it with
// the response etag, so later staleness checks can use conditional requests.
func (c *Cache) StoreFromSource(ctx context.Context, url, cachePath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("modulecache: source request %s: %w", url, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("modulecache: download source %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httperr.Upstream("module source", fmt.Errorf("%s returned %s", url, resp.Status))
	}
	contents, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("modulecache: read source %s: %w", url, err)
	}
	return c.Store(ctx, cachePath, contents, resp.Header.Get("Etag"))
}

func writeFile(path string, contents []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, contents, 0o644)
}
