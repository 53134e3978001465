package server

import (
	"net/http"
	"strings"

	"github.com/appstage-io/appstage/internal/httperr"
)

// RouteKind enumerates every entry point the server exposes.
type RouteKind int

const (
	// RouteDispatch is a /capi function call.
	RouteDispatch RouteKind = iota
	// RouteDeploy starts the release pipeline.
	RouteDeploy
	// RouteClearCache wipes the deploy cache and loaded apps.
	RouteClearCache
	// RouteSetup stores project settings.
	RouteSetup
	// RouteStatus reports setup status.
	RouteStatus
	// RoutePreviewPut ingests a preview bundle.
	RoutePreviewPut
	// RoutePreviewClear wipes the preview slot.
	RoutePreviewClear
	// RoutePreviewGet serves a previewed file.
	RoutePreviewGet
	// RouteInstall provisions the compute service in a tenant project.
	RouteInstall
	// RouteMetrics exposes Prometheus metrics.
	RouteMetrics
	// RouteHealth is the liveness probe.
	RouteHealth
	// RouteOverview renders the operator status page.
	RouteOverview
)

// Route is the parsed form of a request path; handlers receive it instead of
// re-matching URL strings.
type Route struct {
	Kind RouteKind

	// Dispatch fields.
	Version string
	App     string
	Fn      string
	Preview bool

	// Preview file path, without the /preview/ prefix.
	FilePath string
}

// previewVersionToken pins a dispatch to the preview cache slot.
const previewVersionToken = "preview"

// ParseRoute maps a method and path onto a Route variant. Unknown shapes are
// 404, known paths with the wrong method 405.
func ParseRoute(method, path string) (Route, error) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return Route{}, httperr.NotFound("")
	}

	switch segments[0] {
	case "capi":
		if len(segments) != 4 {
			return Route{}, httperr.NotFound("")
		}
		if method != http.MethodGet && method != http.MethodPost {
			return Route{}, httperr.MethodNotAllowed()
		}
		version, app, fn := segments[1], segments[2], segments[3]
		if !isWord(version) || !isWord(app) || !isWord(fn) {
			return Route{}, httperr.NotFound("")
		}
		route := Route{Kind: RouteDispatch, Version: version, App: app, Fn: fn}
		if version == previewVersionToken {
			route.Preview = true
			route.Version = ""
		}
		return route, nil

	case "deploy":
		return exactRoute(RouteDeploy, method, http.MethodPost, segments, 1)
	case "clearcache":
		return exactRoute(RouteClearCache, method, http.MethodPost, segments, 1)
	case "setup":
		return exactRoute(RouteSetup, method, http.MethodPost, segments, 1)
	case "status":
		return exactRoute(RouteStatus, method, http.MethodGet, segments, 1)
	case "install":
		return exactRoute(RouteInstall, method, http.MethodPost, segments, 1)
	case "metrics":
		return exactRoute(RouteMetrics, method, http.MethodGet, segments, 1)
	case "healthz":
		return exactRoute(RouteHealth, method, http.MethodGet, segments, 1)

	case "admin":
		if len(segments) == 2 && segments[1] == "overview" {
			return exactRoute(RouteOverview, method, http.MethodGet, segments, 2)
		}
		return Route{}, httperr.NotFound("")

	case "preview":
		if len(segments) == 1 {
			if method != http.MethodPut {
				return Route{}, httperr.MethodNotAllowed()
			}
			return Route{Kind: RoutePreviewPut}, nil
		}
		if len(segments) == 2 && segments[1] == "clear" && method == http.MethodPost {
			return Route{Kind: RoutePreviewClear}, nil
		}
		if method != http.MethodGet {
			return Route{}, httperr.MethodNotAllowed()
		}
		return Route{Kind: RoutePreviewGet, FilePath: strings.Join(segments[1:], "/")}, nil
	}

	return Route{}, httperr.NotFound("")
}

func exactRoute(kind RouteKind, method, wantMethod string, segments []string, wantLen int) (Route, error) {
	if len(segments) != wantLen {
		return Route{}, httperr.NotFound("")
	}
	if method != wantMethod {
		return Route{}, httperr.MethodNotAllowed()
	}
	return Route{Kind: kind}, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func isWord(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}
