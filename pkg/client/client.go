// Package client is a Go client for the llmhub HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Result statuses
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Config holds client configuration
type Config struct {
	// BrokerAddr is the broker's base URL, e.g. http://localhost:8000
	BrokerAddr string
	Timeout    time.Duration

	// HTTPClient overrides the default client; Timeout is ignored when set
	HTTPClient *http.Client
}

// Client talks to an llmhub broker
type Client struct {
	config  Config
	baseURL *url.URL
	http    *http.Client
}

// Result mirrors the broker's result document
type Result struct {
	ID          string     `json:"id"`
	Model       string     `json:"model"`
	Prompt      string     `json:"prompt"`
	Response    *string    `json:"response"`
	Error       string     `json:"error,omitempty"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Done reports whether the result reached a terminal status
func (r *Result) Done() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Stats holds queue statistics
type Stats struct {
	Ready       int64 `json:"ready"`
	Delayed     int64 `json:"delayed"`
	InFlight    int64 `json:"in_flight"`
	Pending     int64 `json:"pending"`
	DeadLetters int64 `json:"dead_letters"`

	Enqueued     int64 `json:"enqueued"`
	Redelivered  int64 `json:"redelivered"`
	DeadLettered int64 `json:"dead_lettered"`
}

// GenerateOptions tunes a submission
type GenerateOptions struct {
	// NoCache forces a fresh generation even when a cached answer exists
	NoCache bool

	// Preprocessor names a prompt transformation, e.g. extract_text_from_url
	Preprocessor string
}

// APIError is a non-2xx reply from the broker
type APIError struct {
	StatusCode int    `json:"-"`
	Title      string `json:"error"`
	Detail     string `json:"detail"`
	Code       string `json:"error_code"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("llmhub: %d %s: %s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("llmhub: %d %s", e.StatusCode, e.Title)
}

// IsNotFound reports whether err is a 404 from the broker
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// New creates a new client instance
func New(config Config) (*Client, error) {
	if config.BrokerAddr == "" {
		return nil, fmt.Errorf("broker address is required")
	}

	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	addr := config.BrokerAddr
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(strings.TrimRight(addr, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid broker address: %w", err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("invalid broker address %q", config.BrokerAddr)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	return &Client{
		config:  config,
		baseURL: base,
		http:    httpClient,
	}, nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Generate submits prompt for model. The returned result is completed when
// the broker answered from its cache and pending otherwise.
func (c *Client) Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (*Result, error) {
	q := url.Values{}
	if opts.NoCache {
		q.Set("use_cache", "false")
	}
	if opts.Preprocessor != "" {
		q.Set("preprocessor", opts.Preprocessor)
	}

	body := map[string]string{"prompt": prompt}
	var r Result
	if err := c.do(ctx, http.MethodPost, "/v1/generate/"+url.PathEscape(model), q, body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetResult fetches a result by id
func (c *Client) GetResult(ctx context.Context, id string) (*Result, error) {
	var r Result
	if err := c.do(ctx, http.MethodGet, "/v1/result/"+url.PathEscape(id), nil, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// WaitForResult polls until the result is terminal or ctx ends
func (c *Client) WaitForResult(ctx context.Context, id string, interval time.Duration) (*Result, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r, err := c.GetResult(ctx, id)
		if err != nil {
			return nil, err
		}
		if r.Done() {
			return r, nil
		}

		select {
		case <-ctx.Done():
			return r, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListModels returns the models the broker's backend advertises
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	var out struct {
		Models []string `json:"models"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/models", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// GetStats retrieves queue statistics
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.do(ctx, http.MethodGet, "/v1/queue/stats", nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Health returns nil when the broker reports itself healthy
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	// path segments are escaped by the callers
	target := c.baseURL.String() + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Title == "" {
			apiErr.Title = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
