package hosting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/appstage-io/appstage/internal/config"
	"github.com/appstage-io/appstage/internal/httperr"
)

// RunTarget routes a rewrite to a compute service.
type RunTarget struct {
	ServiceID string `json:"serviceId"`
	Region    string `json:"region,omitempty"`
}

// Rewrite maps request globs onto either a static path or a compute service.
type Rewrite struct {
	Glob string     `json:"glob,omitempty"`
	Path string     `json:"path,omitempty"`
	Run  *RunTarget `json:"run,omitempty"`
}

// Redirect issues a provider-side redirect for matching requests.
type Redirect struct {
	Glob       string `json:"glob,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Location   string `json:"location,omitempty"`
}

// Header attaches response headers to matching requests.
type Header struct {
	Glob    string            `json:"glob,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// SiteConfig is the serving configuration finalized into a version.
type SiteConfig struct {
	Rewrites              []Rewrite  `json:"rewrites,omitempty"`
	Redirects             []Redirect `json:"redirects,omitempty"`
	Headers               []Header   `json:"headers,omitempty"`
	TrailingSlashBehavior string     `json:"trailingSlashBehavior,omitempty"`
}

// Client talks to the hosting provider on behalf of one deploy or install.
// Every call carries the caller's own access token; the server holds no
// provider credentials of its own.
type Client struct {
	api        *apiClient
	hostingAPI string
	projectAPI string
	logger     *slog.Logger
}

// New builds a provider client from hosting configuration.
func New(cfg config.HostingConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "hosting"))
	return &Client{
		api:        newAPIClient(logger),
		hostingAPI: strings.TrimSuffix(cfg.APIURL, "/"),
		projectAPI: strings.TrimSuffix(cfg.ProjectAPIURL, "/"),
		logger:     logger,
	}
}

type site struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// DefaultSite resolves the project's default hosting site id. The provider
// names sites "projects/<p>/sites/<id>"; only the id participates in later
// calls.
func (c *Client) DefaultSite(ctx context.Context, token, projectID string) (string, error) {
	var out struct {
		Sites []site `json:"sites"`
	}
	u := fmt.Sprintf("%s/projects/%s/sites", c.hostingAPI, projectID)
	if err := c.api.doJSON(ctx, http.MethodGet, u, token, nil, &out); err != nil {
		return "", err
	}
	if len(out.Sites) == 0 {
		return "", httperr.Upstream(providerName, fmt.Errorf("project %s has no hosting sites", projectID))
	}
	chosen := out.Sites[0]
	for _, s := range out.Sites {
		if s.Type == "DEFAULT_SITE" {
			chosen = s
			break
		}
	}
	segments := strings.Split(chosen.Name, "/")
	return segments[len(segments)-1], nil
}

// CreateVersion opens a new draft version on a site and returns its full
// resource name.
func (c *Client) CreateVersion(ctx context.Context, token, siteID string) (string, error) {
	var out struct {
		Name string `json:"name"`
	}
	u := fmt.Sprintf("%s/sites/%s/versions", c.hostingAPI, siteID)
	if err := c.api.doJSON(ctx, http.MethodPost, u, token, map[string]any{}, &out); err != nil {
		return "", err
	}
	if out.Name == "" {
		return "", httperr.Upstream(providerName, fmt.Errorf("create version on %s returned no name", siteID))
	}
	return out.Name, nil
}

// PopulateFiles submits the full path->hash manifest and learns which hashes
// the provider does not already hold. The returned upload URL is the base for
// UploadFile calls.
func (c *Client) PopulateFiles(ctx context.Context, token, versionName string, hashes map[string]string) (uploadURL string, requiredHashes []string, err error) {
	var out struct {
		UploadURL            string   `json:"uploadUrl"`
		UploadRequiredHashes []string `json:"uploadRequiredHashes"`
	}
	u := fmt.Sprintf("%s/%s:populateFiles", c.hostingAPI, versionName)
	body := map[string]any{"files": hashes}
	if err := c.api.doJSON(ctx, http.MethodPost, u, token, body, &out); err != nil {
		return "", nil, err
	}
	return out.UploadURL, out.UploadRequiredHashes, nil
}

// UploadFile sends the gzipped bytes for one required hash.
func (c *Client) UploadFile(ctx context.Context, token, uploadURL, hash string, gzipped []byte) error {
	return c.api.doOctet(ctx, http.MethodPost, uploadURL+"/"+hash, token, gzipped)
}

// Finalize freezes a version with its serving configuration. No further
// content may be attached afterwards.
func (c *Client) Finalize(ctx context.Context, token, versionName string, siteCfg SiteConfig) error {
	u := fmt.Sprintf("%s/%s?update_mask=%s", c.hostingAPI, versionName, url.QueryEscape("status,config"))
	body := map[string]any{
		"status": "FINALIZED",
		"config": siteCfg,
	}
	return c.api.doJSON(ctx, http.MethodPatch, u, token, body, nil)
}

// Release points the live channel of a site at a finalized version.
func (c *Client) Release(ctx context.Context, token, siteID, versionName string) (json.RawMessage, error) {
	var out json.RawMessage
	u := fmt.Sprintf("%s/sites/%s/releases?versionName=%s", c.hostingAPI, siteID, url.QueryEscape(versionName))
	if err := c.api.doJSON(ctx, http.MethodPost, u, token, map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LivePathRewrites returns the static-path rewrites of the currently live
// release, so a rewrites-only release can preserve deployed app routes.
func (c *Client) LivePathRewrites(ctx context.Context, token, siteID string) ([]Rewrite, error) {
	var out struct {
		Releases []struct {
			Version struct {
				Config SiteConfig `json:"config"`
			} `json:"version"`
		} `json:"releases"`
	}
	u := fmt.Sprintf("%s/sites/%s/channels/live/releases?pageSize=1", c.hostingAPI, siteID)
	if err := c.api.doJSON(ctx, http.MethodGet, u, token, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Releases) == 0 {
		return nil, nil
	}
	var rewrites []Rewrite
	for _, rw := range out.Releases[0].Version.Config.Rewrites {
		if rw.Path != "" {
			rewrites = append(rewrites, rw)
		}
	}
	return rewrites, nil
}

type webApp struct {
	Name  string `json:"name"`
	AppID string `json:"appId"`
}

// WebAppConfig fetches the client SDK configuration of the project's web app,
// creating the app first when the project does not have one yet. Creation is
// asynchronous on the provider side, so the fresh app is awaited with a
// bounded poll.
func (c *Client) WebAppConfig(ctx context.Context, token, projectID string) (map[string]any, error) {
	var list struct {
		Apps []webApp `json:"apps"`
	}
	appsURL := fmt.Sprintf("%s/projects/%s/webApps", c.projectAPI, projectID)
	if err := c.api.doJSON(ctx, http.MethodGet, appsURL, token, nil, &list); err != nil {
		return nil, err
	}

	var appID string
	if len(list.Apps) > 0 {
		appID = list.Apps[0].AppID
	} else {
		created, err := c.createWebApp(ctx, token, projectID, appsURL)
		if err != nil {
			return nil, err
		}
		appID = created
	}

	var cfg map[string]any
	cfgURL := fmt.Sprintf("%s/projects/%s/webApps/%s/config", c.projectAPI, projectID, appID)
	if err := c.api.doJSON(ctx, http.MethodGet, cfgURL, token, nil, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Client) createWebApp(ctx context.Context, token, projectID, appsURL string) (string, error) {
	c.logger.Info("creating web app", slog.String("project", projectID))
	var op struct {
		Name string `json:"name"`
	}
	body := map[string]any{"displayName": projectID}
	if err := c.api.doJSON(ctx, http.MethodPost, appsURL, token, body, &op); err != nil {
		return "", err
	}

	var appID string
	opURL := fmt.Sprintf("%s/%s", c.projectAPI, op.Name)
	err := webAppProvisionPolicy.Run(ctx, func(ctx context.Context) (bool, error) {
		var status struct {
			Done     bool `json:"done"`
			Response struct {
				AppID string `json:"appId"`
			} `json:"response"`
		}
		if err := c.api.doJSON(ctx, http.MethodGet, opURL, token, nil, &status); err != nil {
			return false, err
		}
		if !status.Done {
			return false, nil
		}
		appID = status.Response.AppID
		return true, nil
	})
	if err != nil {
		return "", httperr.Upstream(providerName, fmt.Errorf("web app for %s not ready: %w", projectID, err))
	}
	return appID, nil
}
