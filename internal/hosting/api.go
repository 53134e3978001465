// Package hosting is the client for the static-hosting and app-config
// provider APIs: version lifecycle, content diff and upload, releases, and
// web app provisioning.
package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/appstage-io/appstage/internal/httperr"
)

// providerName labels upstream failures in error envelopes.
const providerName = "Google"

// apiClient wraps the retrying HTTP client every provider call goes through.
// Transport-level retries (5xx, connection resets) live here; the bounded
// provisioning polls are modelled separately by RetryPolicy.
type apiClient struct {
	http   *retryablehttp.Client
	logger *slog.Logger
}

func newAPIClient(logger *slog.Logger) *apiClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	return &apiClient{http: rc, logger: logger}
}

// doJSON performs one provider call with a JSON body and decodes a JSON
// response into out when out is non-nil.
func (c *apiClient) doJSON(ctx context.Context, method, rawURL, token string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("hosting: encode request: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}
	return c.do(ctx, method, rawURL, token, "application/json", payload, out)
}

// doOctet uploads raw bytes, used for content-addressed file uploads.
func (c *apiClient) doOctet(ctx context.Context, method, rawURL, token string, body []byte) error {
	return c.do(ctx, method, rawURL, token, "application/octet-stream", bytes.NewReader(body), nil)
}

func (c *apiClient) do(ctx context.Context, method, rawURL, token, contentType string, body io.Reader, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("hosting: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return httperr.Upstream(providerName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return httperr.Upstream(providerName, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("provider call failed",
			slog.String("method", method),
			slog.String("url", rawURL),
			slog.Int("status", resp.StatusCode))
		return httperr.Upstream(providerName, fmt.Errorf("%s %s: status %d: %s", method, rawURL, resp.StatusCode, truncate(raw, 512)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return httperr.Upstream(providerName, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func truncate(raw []byte, limit int) string {
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "..."
}
