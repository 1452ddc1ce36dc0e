package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"StreamChat/internal/cache"
)

// HTTPClient performs single-shot queries against the chat API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	cache      *cache.Cache
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		c.httpClient.Timeout = d
	}
}

// WithCache serves repeated queries from c.
func WithCache(rc *cache.Cache) HTTPOption {
	return func(c *HTTPClient) {
		c.cache = rc
	}
}

// WithRateLimit spaces requests to at most perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) HTTPOption {
	return func(c *HTTPClient) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// NewHTTPClient creates a client for the API rooted at baseURL.
func NewHTTPClient(baseURL string, logger *slog.Logger, opts ...HTTPOption) (*HTTPClient, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if baseURL == "" {
		return nil, errors.New("api url cannot be empty")
	}

	client := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(client)
	}

	logger.Info("created chat API client", "url", client.baseURL)
	return client, nil
}

// RequestOnce sends query and returns the full reply text.
func (c *HTTPClient) RequestOnce(ctx context.Context, query string, token string) (string, error) {
	if token == "" {
		return "", ErrFallbackAuthRequired
	}

	var cacheKey string
	if c.cache != nil {
		cacheKey = cache.GenerateCacheKey(query)
		if reply, ok := c.cache.Get(cacheKey); ok {
			c.logger.Info("cache hit", "key", cacheKey[:16])
			return reply, nil
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", &FallbackNetworkError{Err: errors.Wrap(err, "rate limiter")}
		}
	}

	body, err := json.Marshal(AskRequest{Query: query})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ask", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to create HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	var resp AskResponse
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	if resp.ReplyText == nil {
		return "", &FallbackMalformedResponse{Err: errors.New("replyText missing")}
	}

	if c.cache != nil {
		c.cache.Store(cacheKey, *resp.ReplyText)
	}
	return *resp.ReplyText, nil
}

// Health fetches the backend health report.
func (c *HTTPClient) Health(ctx context.Context) (HealthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return HealthReport{}, errors.Wrap(err, "failed to create HTTP request")
	}

	var report HealthReport
	if err := c.do(req, &report); err != nil {
		return HealthReport{}, err
	}
	return report, nil
}

// do sends req and decodes a 2xx JSON body into out.
func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	start := time.Now()

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("chat API request failed", "path", req.URL.Path, "error", err)
		return &FallbackNetworkError{Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &FallbackNetworkError{Err: errors.Wrap(err, "failed to read response")}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: httpResp.StatusCode}
		var errResp ErrorResponse
		if err := json.Unmarshal(data, &errResp); err == nil && errResp.Detail != "" {
			apiErr.Detail = errResp.Detail
		} else if json.Valid(data) {
			// JSON without a usable detail is surfaced as its raw text.
			apiErr.Detail = strings.TrimSpace(string(data))
		}
		c.logger.Error("chat API error", "path", req.URL.Path, "status", httpResp.StatusCode, "detail", apiErr.Detail)
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Error("failed to parse chat API response", "path", req.URL.Path, "error", err)
		return &FallbackMalformedResponse{Err: err}
	}

	c.logger.Debug("chat API request done", "path", req.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	return nil
}
