// Package install provisions the compute service that serves /capi and the
// admin surfaces in a tenant project: resolve the pinned image, create or
// update the service, open it to invokers, wait for health, then re-release
// hosting with fresh rewrites.
package install

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/appstage-io/appstage/internal/config"
	"github.com/appstage-io/appstage/internal/hosting"
	"github.com/appstage-io/appstage/internal/httperr"
)

// registryProvider labels image registry failures.
const registryProvider = "Docker hub"

// Options carries one install request.
type Options struct {
	Project       string
	Region        string
	FirebaseToken string
}

// Installer drives compute provisioning through the provider's service API.
type Installer struct {
	hosting     *hosting.Client
	http        *retryablehttp.Client
	cfg         config.HostingConfig
	registryAPI string
	logger      *slog.Logger

	// healthPolicy bounds the post-install health poll; exhaustion is
	// logged, not fatal.
	healthPolicy hosting.RetryPolicy
}

// New builds an installer sharing the hosting client used for the final
// rewrites-only release.
func New(hostingClient *hosting.Client, cfg config.HostingConfig, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	return &Installer{
		hosting:      hostingClient,
		http:         rc,
		cfg:          cfg,
		registryAPI:  "https://hub.docker.com/v2/repositories",
		logger:       logger.With(slog.String("component", "install")),
		healthPolicy: hosting.RetryPolicy{MaxAttempts: 30, Interval: time.Second},
	}
}

// Install runs the full provisioning flow and returns the provider's release
// object from the closing rewrites-only release.
func (i *Installer) Install(ctx context.Context, opts Options) (json.RawMessage, error) {
	if opts.FirebaseToken == "" {
		return nil, httperr.Validation("Google access token")
	}
	if opts.Project == "" {
		return nil, httperr.Validation("Firebase Project")
	}
	region := opts.Region
	if region == "" {
		region = i.cfg.DefaultRegion
	}
	if region == "" {
		return nil, httperr.Validation("Region")
	}

	imageURL, err := i.resolveImage(ctx)
	if err != nil {
		return nil, err
	}
	i.logger.Info("installing compute service", slog.String("project", opts.Project), slog.String("image", imageURL))

	servicePath := fmt.Sprintf("projects/%s/locations/%s/services/%s", opts.Project, region, i.cfg.ServiceID)
	existing := i.serviceExists(ctx, opts.FirebaseToken, servicePath)

	serviceBody := map[string]any{
		"template": map[string]any{
			"containers": []map[string]any{{
				"image": imageURL,
				"env": []map[string]string{
					{"name": "GOOGLE_CLOUD_PROJECT", "value": opts.Project},
				},
			}},
		},
	}
	method := http.MethodPost
	path := fmt.Sprintf("projects/%s/locations/%s/services?serviceId=%s", opts.Project, region, url.QueryEscape(i.cfg.ServiceID))
	if existing {
		method = http.MethodPatch
		path = servicePath
	}
	var operation struct {
		Name string `json:"name"`
	}
	if err := i.computeRequest(ctx, method, path, opts.FirebaseToken, serviceBody, &operation); err != nil {
		return nil, err
	}

	iamBody := map[string]any{
		"policy": map[string]any{
			"version": 3,
			"bindings": []map[string]any{{
				"role":    "roles/run.invoker",
				"members": []string{"allUsers"},
			}},
		},
	}
	if err := i.computeRequest(ctx, http.MethodPost, servicePath+":setIamPolicy", opts.FirebaseToken, iamBody, nil); err != nil {
		return nil, err
	}

	if err := i.computeRequest(ctx, http.MethodPost, operation.Name+":wait", opts.FirebaseToken, map[string]string{"timeout": "30s"}, nil); err != nil {
		return nil, err
	}

	serviceURL, err := i.serviceURL(ctx, opts.FirebaseToken, servicePath)
	if err != nil {
		return nil, err
	}
	i.awaitHealthy(ctx, serviceURL)

	siteID, err := i.hosting.DefaultSite(ctx, opts.FirebaseToken, opts.Project)
	if err != nil {
		return nil, err
	}
	return i.releaseRewrites(ctx, opts.FirebaseToken, siteID, region)
}

// resolveImage pins the service image to the digest currently behind the
// latest tag, so every instance of an install runs identical bytes.
func (i *Installer) resolveImage(ctx context.Context) (string, error) {
	repo := i.cfg.ImageRepo
	name := strings.TrimPrefix(strings.TrimPrefix(repo, "docker.io/"), "registry.hub.docker.com/")
	tagURL := fmt.Sprintf("%s/%s/tags/latest", strings.TrimSuffix(i.registryAPI, "/"), name)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, tagURL, nil)
	if err != nil {
		return "", fmt.Errorf("install: build registry request: %w", err)
	}
	resp, err := i.http.Do(req)
	if err != nil {
		return "", httperr.Upstream(registryProvider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return "", httperr.Upstream(registryProvider, fmt.Errorf("tag lookup returned %s", resp.Status))
	}
	var tagInfo struct {
		Digest string `json:"digest"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tagInfo); err != nil {
		return "", httperr.Upstream(registryProvider, fmt.Errorf("decode tag info: %w", err))
	}
	if tagInfo.Digest == "" {
		return "", httperr.Upstream(registryProvider, fmt.Errorf("latest tag of %s has no digest", repo))
	}
	return repo + "@" + tagInfo.Digest, nil
}

func (i *Installer) serviceExists(ctx context.Context, token, servicePath string) bool {
	err := i.computeRequest(ctx, http.MethodGet, servicePath, token, nil, nil)
	return err == nil
}

func (i *Installer) serviceURL(ctx context.Context, token, servicePath string) (string, error) {
	var service struct {
		URLs []string `json:"urls"`
	}
	if err := i.computeRequest(ctx, http.MethodGet, servicePath, token, nil, &service); err != nil {
		return "", err
	}
	for _, u := range service.URLs {
		if strings.Contains(u, "run.app") {
			return u, nil
		}
	}
	if len(service.URLs) > 0 {
		return service.URLs[0], nil
	}
	return "", httperr.Upstream("Google", fmt.Errorf("installed service has no URL"))
}

// awaitHealthy polls the new service's status endpoint. A service that never
// answers is logged as a failed status; the install still completes so the
// operator can investigate.
func (i *Installer) awaitHealthy(ctx context.Context, serviceURL string) {
	statusURL := strings.TrimSuffix(serviceURL, "/") + "/status"
	err := i.healthPolicy.Run(ctx, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			return false, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false, nil
		}
		resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
	})
	if err != nil {
		i.logger.Warn("service deploy finished - status failed", slog.String("url", statusURL))
		return
	}
	i.logger.Info("service deploy finished - status ok", slog.String("url", statusURL))
}

// releaseRewrites finalizes and releases a new hosting version carrying only
// rewrites: a fresh compute rewrite for this region plus the live static
// rewrites of already-deployed apps.
func (i *Installer) releaseRewrites(ctx context.Context, token, siteID, region string) (json.RawMessage, error) {
	existing, err := i.hosting.LivePathRewrites(ctx, token, siteID)
	if err != nil {
		return nil, err
	}
	versionName, err := i.hosting.CreateVersion(ctx, token, siteID)
	if err != nil {
		return nil, err
	}
	siteConfig := hosting.SiteConfig{
		Rewrites: append([]hosting.Rewrite{{
			Glob: "/@(capi|admin|preview|install)/**",
			Run:  &hosting.RunTarget{ServiceID: i.cfg.ServiceID, Region: region},
		}}, existing...),
	}
	if err := i.hosting.Finalize(ctx, token, versionName, siteConfig); err != nil {
		return nil, err
	}
	return i.hosting.Release(ctx, token, siteID, versionName)
}

// computeRequest performs one call against the compute API.
func (i *Installer) computeRequest(ctx context.Context, method, path, token string, body, out any) error {
	base := strings.TrimSuffix(i.cfg.ComputeAPIURL, "/")
	rawURL := base + "/" + path

	var payload *strings.Reader
	var reqBody any
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("install: encode request: %w", err)
		}
		payload = strings.NewReader(string(encoded))
		reqBody = payload
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return fmt.Errorf("install: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := i.http.Do(req)
	if err != nil {
		return httperr.Upstream("Google", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return httperr.Upstream("Google", fmt.Errorf("%s %s: status %d", method, rawURL, resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return httperr.Upstream("Google", fmt.Errorf("decode response: %w", err))
	}
	return nil
}
