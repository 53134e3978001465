package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/appstage-io/appstage/internal/auth"
	"github.com/appstage-io/appstage/internal/config"
	"github.com/appstage-io/appstage/internal/dispatch"
	"github.com/appstage-io/appstage/internal/httperr"
	"github.com/appstage-io/appstage/internal/install"
	"github.com/appstage-io/appstage/internal/metrics"
	"github.com/appstage-io/appstage/internal/modulecache"
	"github.com/appstage-io/appstage/internal/preview"
	"github.com/appstage-io/appstage/internal/release"
	"github.com/appstage-io/appstage/internal/settings"
	"github.com/appstage-io/appstage/internal/templates"
)

const (
	headerFirebaseToken   = "x-firebase-access-token"
	headerGitHubToken     = "x-github-access-token"
	headerPreviewPassword = "x-preview-password"
)

// overviewSource is the operator status page.
const overviewSource = `<h1>Appstage App Server</h1>
<div>Setup status: {{ .Status }}</div>
<div>Services available: {{ .Services | splitList "," | join ", " | trim }}</div>
<div>Loaded apps: {{ .LoadedApps }}</div>
`

// Deployer runs the release pipeline for one deploy request.
type Deployer interface {
	Deploy(ctx context.Context, opts release.Options) (json.RawMessage, error)
}

// ServiceInstaller provisions the compute service in a tenant project.
type ServiceInstaller interface {
	Install(ctx context.Context, opts install.Options) (json.RawMessage, error)
}

// Handler routes every entry point to its component.
type Handler struct {
	engine      *dispatch.Engine
	deployer    Deployer
	installer   ServiceInstaller
	settings    *settings.Store
	preview     *preview.Service
	deployCache *modulecache.Cache
	recorder    *metrics.Recorder
	services    config.ServicesConfig
	overview    *templates.Template
	logger      *slog.Logger
}

// NewHandler wires the HTTP surface. Any dependency a disabled service would
// use may be nil.
func NewHandler(
	engine *dispatch.Engine,
	deployer Deployer,
	installer ServiceInstaller,
	settingsStore *settings.Store,
	previewService *preview.Service,
	deployCache *modulecache.Cache,
	recorder *metrics.Recorder,
	services config.ServicesConfig,
	logger *slog.Logger,
) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	overview, err := templates.NewRenderer().CompileInline("overview", overviewSource)
	if err != nil {
		return nil, err
	}
	return &Handler{
		engine:      engine,
		deployer:    deployer,
		installer:   installer,
		settings:    settingsStore,
		preview:     previewService,
		deployCache: deployCache,
		recorder:    recorder,
		services:    services,
		overview:    overview,
		logger:      logger.With(slog.String("component", "http")),
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("request", slog.String("method", r.Method), slog.String("path", r.URL.Path))

	route, err := ParseRoute(r.Method, r.URL.Path)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	if err := h.serviceEnabled(route.Kind); err != nil {
		httperr.Write(w, err)
		return
	}

	switch route.Kind {
	case RouteDispatch:
		h.handleDispatch(w, r, route)
	case RouteDeploy:
		h.handleDeploy(w, r)
	case RouteClearCache:
		h.handleClearCache(w, r)
	case RouteSetup:
		h.handleSetup(w, r)
	case RouteStatus:
		h.handleStatus(w, r)
	case RoutePreviewPut:
		h.handlePreviewPut(w, r)
	case RoutePreviewClear:
		h.handlePreviewClear(w, r)
	case RoutePreviewGet:
		h.handlePreviewGet(w, r, route)
	case RouteInstall:
		h.handleInstall(w, r)
	case RouteMetrics:
		h.recorder.Handler().ServeHTTP(w, r)
	case RouteHealth:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	case RouteOverview:
		h.handleOverview(w, r)
	default:
		httperr.Write(w, httperr.NotFound(""))
	}
}

// serviceEnabled hides surfaces the operator switched off.
func (h *Handler) serviceEnabled(kind RouteKind) error {
	var name string
	switch kind {
	case RouteDispatch:
		name = "app"
	case RouteDeploy, RouteClearCache, RouteSetup, RouteStatus, RouteOverview:
		name = "admin"
	case RoutePreviewPut, RoutePreviewClear, RoutePreviewGet:
		name = "preview"
	case RouteInstall:
		name = "install"
	default:
		return nil
	}
	if !h.services.Has(name) {
		return httperr.NotFound("")
	}
	return nil
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request, route Route) {
	var params map[string]any
	if r.Method == http.MethodGet {
		params = dispatch.CoerceQuery(r.URL.Query())
	} else {
		var body any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			httperr.Write(w, &httperr.Error{Status: http.StatusBadRequest, Message: "Invalid JSON body"})
			return
		}
		if coerced, ok := dispatch.CoerceBody(body).(map[string]any); ok {
			params = coerced
		}
	}

	result, err := h.engine.Call(r.Context(), dispatch.Request{
		Version: route.Version,
		App:     route.App,
		Fn:      route.Fn,
		Method:  r.Method,
		Params:  params,
		Token:   auth.BearerToken(r),
		Preview: route.Preview,
	})
	if err != nil {
		h.logger.Warn("dispatch failed", slog.String("app", route.App), slog.String("fn", route.Fn), slog.String("error", err.Error()))
		httperr.Write(w, err)
		return
	}
	writeJSON(w, result)
}

func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GitRepoURL      string `json:"gitRepoUrl"`
		FirebaseProject string `json:"firebaseProject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperr.Write(w, httperr.Validation("Git URL"))
		return
	}
	result, err := h.deployer.Deploy(r.Context(), release.Options{
		GitRepoURL:    body.GitRepoURL,
		Project:       body.FirebaseProject,
		FirebaseToken: r.Header.Get(headerFirebaseToken),
		GitHubToken:   r.Header.Get(headerGitHubToken),
	})
	if err != nil {
		h.logger.Error("deploy failed", slog.String("repo", body.GitRepoURL), slog.String("error", err.Error()))
		httperr.Write(w, err)
		return
	}
	writeRawJSON(w, result)
}

func (h *Handler) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.deployCache.Clear(r.Context(), ""); err != nil {
		httperr.Write(w, err)
		return
	}
	h.engine.InvalidateAll()
	h.logger.Info("deploy cache cleared")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleSetup(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(headerFirebaseToken)
	if token == "" {
		httperr.Write(w, httperr.Validation("Google access token"))
		return
	}
	var body struct {
		Settings        map[string]any `json:"settings"`
		FirebaseProject string         `json:"firebaseProject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Settings == nil {
		httperr.Write(w, httperr.Validation("Settings"))
		return
	}
	if err := h.settings.Setup(r.Context(), token, body.Settings, body.FirebaseProject); err != nil {
		httperr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, description := h.settings.Status(r.Context())
	body := map[string]string{"status": status}
	if description != "" {
		body["description"] = description
	}
	writeJSON(w, body)
}

func (h *Handler) handlePreviewPut(w http.ResponseWriter, r *http.Request) {
	if err := h.preview.CheckPassword(r.Context(), r.Header.Get(headerPreviewPassword)); err != nil {
		httperr.Write(w, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httperr.Write(w, fmt.Errorf("read preview bundle: %w", err))
		return
	}
	if err := h.preview.Put(r.Context(), body); err != nil {
		httperr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handlePreviewClear(w http.ResponseWriter, r *http.Request) {
	if err := h.preview.CheckPassword(r.Context(), r.Header.Get(headerPreviewPassword)); err != nil {
		httperr.Write(w, err)
		return
	}
	if err := h.preview.Clear(r.Context()); err != nil {
		httperr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handlePreviewGet(w http.ResponseWriter, r *http.Request, route Route) {
	contents, err := h.preview.Serve(r.Context(), route.FilePath)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	if contentType := mime.TypeByExtension(filepath.Ext(route.FilePath)); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	_, _ = w.Write(contents)
}

func (h *Handler) handleInstall(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(headerFirebaseToken)
	var body struct {
		FirebaseProject string `json:"firebaseProject"`
		Region          string `json:"region"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperr.Write(w, httperr.Validation("Firebase Project"))
		return
	}
	result, err := h.installer.Install(r.Context(), install.Options{
		Project:       body.FirebaseProject,
		Region:        body.Region,
		FirebaseToken: token,
	})
	if err != nil {
		h.logger.Error("install failed", slog.String("project", body.FirebaseProject), slog.String("error", err.Error()))
		httperr.Write(w, err)
		return
	}
	writeRawJSON(w, result)
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	status, _ := h.settings.Status(r.Context())
	page, err := h.overview.Render(map[string]any{
		"Status":     status,
		"Services":   h.services.Available,
		"LoadedApps": h.engine.LoadedAppCount(),
	})
	if err != nil {
		httperr.Write(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(page))
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}

func writeRawJSON(w http.ResponseWriter, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}
