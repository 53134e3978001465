// Package dispatch resolves /capi calls onto tenant server functions: it
// fetches the versioned app module and shared runtime from the cache tiers,
// instantiates them in an embedded JavaScript runtime, and invokes the named
// function with coerced arguments.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/appstage-io/appstage/internal/auth"
	"github.com/appstage-io/appstage/internal/httperr"
	"github.com/appstage-io/appstage/internal/metrics"
	"github.com/appstage-io/appstage/internal/modulecache"
)

const (
	// LatestVersion is the symbolic version token resolved through the
	// latestCommit marker written on release.
	LatestVersion = "LATEST"
	// latestCommitPath is the deploy-cache entry naming the most recently
	// released commit.
	latestCommitPath = "latestCommit"

	runtimeFileName = "serverRuntime.cjs"
)

// Request is one parsed dispatch call.
type Request struct {
	// Version is a commit id or LatestVersion; empty for preview calls.
	Version string
	App     string
	Fn      string
	Method  string
	Params  map[string]any
	Token   string
	Preview bool
}

// Engine owns the loaded-app cache and the two cache roots dispatches read
// from.
type Engine struct {
	deployCache  *modulecache.Cache
	previewCache *modulecache.Cache
	verifier     auth.Verifier
	recorder     *metrics.Recorder
	logger       *slog.Logger
	apps         *appCache
}

// New builds a dispatch engine. verifier may be nil, in which case every call
// runs anonymously.
func New(deployCache, previewCache *modulecache.Cache, verifier auth.Verifier, recorder *metrics.Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		deployCache:  deployCache,
		previewCache: previewCache,
		verifier:     verifier,
		recorder:     recorder,
		logger:       logger.With(slog.String("component", "dispatch")),
		apps:         newAppCache(),
	}
}

// Call resolves and invokes one tenant function.
func (e *Engine) Call(ctx context.Context, req Request) (result any, err error) {
	started := time.Now()
	defer func() {
		outcome := "ok"
		status := http.StatusOK
		if err != nil {
			outcome = "error"
			status = httperr.StatusOf(err)
		}
		e.recorder.ObserveDispatch(req.App, outcome, status, time.Since(started))
	}()

	user, err := e.resolveUser(ctx, req.Token)
	if err != nil {
		return nil, err
	}

	app, err := e.loadedApp(ctx, req)
	if err != nil {
		return nil, err
	}
	return app.Call(req.Fn, req.Method, req.Params, user)
}

// Invalidate evicts the preview slot of an app, forcing the next preview
// dispatch to reload from the cache tiers.
func (e *Engine) Invalidate(appName string) {
	e.apps.invalidate("preview/" + appName)
	e.logger.Debug("evicted preview app", slog.String("app", appName))
}

// InvalidateAll empties the loaded-app cache; used by /clearcache.
func (e *Engine) InvalidateAll() {
	e.apps.invalidateAll()
}

// LoadedAppCount reports how many tenant modules are currently instantiated.
func (e *Engine) LoadedAppCount() int {
	return e.apps.size()
}

func (e *Engine) resolveUser(ctx context.Context, token string) (*auth.User, error) {
	if token == "" || e.verifier == nil {
		return nil, nil
	}
	user, err := e.verifier.Verify(ctx, token)
	if err != nil {
		return nil, httperr.Unauthorized("Invalid token")
	}
	return user, nil
}

// loadedApp resolves the cache key for the request and returns the
// instantiated module, loading it at most once per key.
func (e *Engine) loadedApp(ctx context.Context, req Request) (*LoadedApp, error) {
	cache := e.deployCache
	var key, modulePath, runtimePath string
	if req.Preview {
		cache = e.previewCache
		key = "preview/" + req.App
		modulePath = "server/" + req.App + ".mjs"
		runtimePath = "server/" + runtimeFileName
	} else {
		version, err := e.resolveVersion(ctx, req.Version)
		if err != nil {
			return nil, err
		}
		key = version + "/" + req.App
		modulePath = version + "/server/" + req.App + ".mjs"
		runtimePath = version + "/server/" + runtimeFileName
	}

	return e.apps.get(key, func() (*LoadedApp, error) {
		appSource, runtimeSource, err := e.fetchSources(ctx, cache, modulePath, runtimePath)
		if err != nil {
			return nil, err
		}
		e.logger.Info("loading app module", slog.String("key", key))
		return instantiate(req.App, appSource, runtimeSource, e.logger)
	})
}

// fetchSources reads the app module and shared runtime concurrently; both
// must resolve.
func (e *Engine) fetchSources(ctx context.Context, cache *modulecache.Cache, modulePath, runtimePath string) (appSource, runtimeSource []byte, err error) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		appSource, err = cache.ReadFromCache(ctx, modulePath)
		return err
	})
	g.Go(func() error {
		var err error
		runtimeSource, err = cache.ReadFromCache(ctx, runtimePath)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return appSource, runtimeSource, nil
}

// resolveVersion maps the symbolic LATEST token onto the commit recorded by
// the most recent release.
func (e *Engine) resolveVersion(ctx context.Context, version string) (string, error) {
	if version != LatestVersion {
		return version, nil
	}
	marker, err := e.deployCache.ReadFromCache(ctx, latestCommitPath)
	if err != nil {
		return "", err
	}
	commit := strings.TrimSpace(string(marker))
	if commit == "" {
		return "", fmt.Errorf("dispatch: empty latest-commit marker")
	}
	return commit, nil
}
