package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
)

const maxResponseBytes = 32 << 20

// HTTPClient is the JSON-over-HTTP client shared by the REST adapters. Each adapter
// gets its own token bucket so one provider's limit never throttles another.
type HTTPClient struct {
	name      string
	baseURL   string
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	apiKey    string
	keyHeader string
	keyParam  string
}

// NewHTTPClient creates a client for adapter name. A non-positive rate disables limiting.
func NewHTTPClient(name string, httpCfg config.HTTPConfig, ac config.AdapterConfig) *HTTPClient {
	limit := rate.Inf
	if ac.RateLimitPerSecond > 0 {
		limit = rate.Limit(ac.RateLimitPerSecond)
	}
	burst := ac.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPClient{
		name:      name,
		baseURL:   strings.TrimRight(ac.BaseURL, "/"),
		client:    &http.Client{Timeout: config.Seconds(httpCfg.TimeoutSeconds, 30*time.Second)},
		limiter:   rate.NewLimiter(limit, burst),
		userAgent: httpCfg.UserAgent,
		apiKey:    ac.APIKey,
		keyHeader: ac.APIKeyHeader,
		keyParam:  ac.APIKeyParam,
	}
}

// GetJSON waits for a rate-limit token, issues GET baseURL+path?query and returns the body.
// Non-2xx responses become IngestErrors classified by status.
func (c *HTTPClient) GetJSON(ctx context.Context, path string, query url.Values) ([]byte, error) {
	module := c.name + ".fetch"
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, exception.NewIngestError(module, "rate limiter wait aborted", err, false, false)
	}

	if query == nil {
		query = url.Values{}
	}
	if c.apiKey != "" && c.keyParam != "" {
		query.Set(c.keyParam, c.apiKey)
	}
	target := c.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, exception.NewIngestError(module, "failed to build request", err, true, false)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.apiKey != "" && c.keyHeader != "" {
		req.Header.Set(c.keyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, exception.NewIngestError(module, fmt.Sprintf("GET %s failed", path), err, false, ctx.Err() == nil)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, exception.NewIngestError(module, fmt.Sprintf("failed to read response of GET %s", path), err, false, true)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, exception.NewHTTPStatusError(module, resp.StatusCode, string(body))
	}
	return body, nil
}

// envelope is the status block the REST providers attach to every response.
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CheckEnvelope turns a provider-reported "no_data" status into exception.ErrNoData.
func CheckEnvelope(module string, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return exception.NewIngestError(module, "response is not valid JSON", err, false, false)
	}
	if strings.EqualFold(env.Status, "no_data") {
		msg := env.Message
		if msg == "" {
			msg = "provider reported no data"
		}
		return exception.NewIngestError(module, msg, exception.ErrNoData, true, false)
	}
	return nil
}
