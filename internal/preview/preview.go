// Package preview ingests editor uploads into the preview cache slot:
// multi-file text bundles written through the dual-tier cache, with loaded
// apps evicted so the next call serves the new code.
package preview

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/appstage-io/appstage/internal/httperr"
	"github.com/appstage-io/appstage/internal/modulecache"
)

const (
	fileHeaderPrefix = "//// File: "
	eofDelimiter     = "//// End of file"

	runtimeCachePath = "server/serverRuntime.cjs"
)

var (
	fileHeader = regexp.MustCompile(regexp.QuoteMeta(fileHeaderPrefix) + `(\S+)`)
	// serverModuleName pulls the app name out of an uploaded server module
	// path so its loaded instance can be evicted.
	serverModuleName = regexp.MustCompile(`/(\w+)\.[mc]?js$`)
)

// PasswordReader resolves the configured preview password.
type PasswordReader interface {
	PreviewPassword(ctx context.Context) (string, error)
}

// AppInvalidator evicts loaded preview apps.
type AppInvalidator interface {
	Invalidate(appName string)
	InvalidateAll()
}

// Service owns the preview cache slot.
type Service struct {
	cache       *modulecache.Cache
	passwords   PasswordReader
	invalidator AppInvalidator
	runtimeURL  string
	interval    time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	lastCheck time.Time
}

// New builds the preview service. runtimeURL is the canonical source of the
// shared server runtime; interval bounds how often its staleness is checked.
func New(cache *modulecache.Cache, passwords PasswordReader, invalidator AppInvalidator, runtimeURL string, interval time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cache:       cache,
		passwords:   passwords,
		invalidator: invalidator,
		runtimeURL:  runtimeURL,
		interval:    interval,
		logger:      logger.With(slog.String("component", "preview")),
	}
}

// CheckPassword gates every preview write: 401 when no password accompanies
// the request, 403 when it does not match the configured one. Runs before any
// side effect.
func (s *Service) CheckPassword(ctx context.Context, supplied string) error {
	if supplied == "" {
		return httperr.Unauthorized("Preview password not supplied")
	}
	configured, err := s.passwords.PreviewPassword(ctx)
	if err != nil || configured == "" || supplied != configured {
		return httperr.Forbidden("Invalid password")
	}
	return nil
}

// Put ingests one uploaded bundle: every file is dual-written concurrently,
// server modules evict their loaded apps, and the shared runtime is refreshed
// when its check interval has elapsed.
func (s *Service) Put(ctx context.Context, body []byte) error {
	files, err := parseBundle(string(body))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for path, text := range files {
		g.Go(func() error {
			if err := s.cache.Store(gctx, path, []byte(text), ""); err != nil {
				return err
			}
			if match := serverModuleName.FindStringSubmatch("/" + path); match != nil {
				s.invalidator.Invalidate(match[1])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("preview bundle stored", slog.Int("files", len(files)))

	return s.refreshRuntime(ctx)
}

// Clear wipes the whole preview slot from both tiers, evicts every loaded
// app and resets the runtime staleness clock so the next upload re-checks.
func (s *Service) Clear(ctx context.Context) error {
	if err := s.cache.Clear(ctx, ""); err != nil {
		return err
	}
	s.invalidator.InvalidateAll()
	s.mu.Lock()
	s.lastCheck = time.Time{}
	s.mu.Unlock()
	s.logger.Info("preview cache cleared")
	return nil
}

// Serve returns a previewed file's bytes. Dot-segment paths are never served.
func (s *Service) Serve(ctx context.Context, filePath string) ([]byte, error) {
	filePath = strings.TrimPrefix(filePath, "/")
	if filePath == "" || hasDotSegment(filePath) {
		return nil, httperr.NotFound("")
	}
	contents, err := s.cache.ReadFromCache(ctx, filePath)
	if err != nil {
		if errors.Is(err, httperr.ErrCacheMiss) {
			return nil, httperr.NotFound("")
		}
		return nil, err
	}
	return contents, nil
}

// refreshRuntime re-downloads the shared server runtime when the canonical
// source has changed, at most once per interval.
func (s *Service) refreshRuntime(ctx context.Context) error {
	s.mu.Lock()
	due := time.Since(s.lastCheck) > s.interval
	if due {
		s.lastCheck = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return nil
	}

	modified, err := s.cache.SourceModified(ctx, s.runtimeURL, runtimeCachePath)
	if err != nil {
		return err
	}
	if !modified {
		return nil
	}
	s.logger.Info("refreshing server runtime", slog.String("url", s.runtimeURL))
	return s.cache.StoreFromSource(ctx, s.runtimeURL, runtimeCachePath)
}

// parseBundle splits a combined upload into its files. Each section carries a
// "//// File: <path>" header and ends with the end-of-file delimiter.
func parseBundle(combined string) (map[string]string, error) {
	files := make(map[string]string)
	for _, item := range strings.Split(combined, eofDelimiter) {
		if strings.TrimSpace(item) == "" {
			continue
		}
		match := fileHeader.FindStringSubmatchIndex(item)
		if match == nil {
			return nil, &httperr.Error{Status: http.StatusBadRequest, Message: "Invalid preview bundle: missing file header"}
		}
		path := item[match[2]:match[3]]
		text := strings.TrimSpace(item[:match[0]] + item[match[1]:])
		files[path] = text
	}
	if len(files) == 0 {
		return nil, &httperr.Error{Status: http.StatusBadRequest, Message: "Invalid preview bundle: no files"}
	}
	return files, nil
}

func hasDotSegment(path string) bool {
	for _, segment := range strings.Split(path, "/") {
		if strings.HasPrefix(segment, ".") {
			return true
		}
	}
	return false
}
