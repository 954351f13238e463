// Package dataforseo wraps the metered DataForSEO HTTP API. The client is
// constructed explicitly and injected into its consumers; it performs the
// network call, retry policy and cost extraction, and nothing else — no
// storage writes happen here.
package dataforseo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// Supported call methods. An unknown method is a programming error and is
// rejected before any request is made.
const (
	MethodKeywordSuggestions    = "keyword_suggestions"
	MethodRelatedKeywords       = "related_keywords"
	MethodKeywordOverview       = "keyword_overview"
	MethodBulkKeywordDifficulty = "bulk_keyword_difficulty"
	MethodSerpOrganic           = "serp_google_organic"
	MethodBacklinksBulkPages    = "backlinks_bulk_pages_summary"
)

var methodEndpoints = map[string]string{
	MethodKeywordSuggestions:    "dataforseo_labs/google/keyword_suggestions/live",
	MethodRelatedKeywords:       "dataforseo_labs/google/related_keywords/live",
	MethodKeywordOverview:       "dataforseo_labs/google/keyword_overview/live",
	MethodBulkKeywordDifficulty: "dataforseo_labs/google/bulk_keyword_difficulty/live",
	MethodSerpOrganic:           "serp/google/organic/live/advanced",
	MethodBacklinksBulkPages:    "backlinks/bulk_pages_summary/live",
}

var (
	ErrUnknownMethod      = errors.New("unknown provider method")
	ErrMissingCredentials = errors.New("provider credentials not configured")
	ErrMalformedResponse  = errors.New("malformed provider response")
)

// APIError carries the HTTP status and provider message of a failed call.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error: HTTP %d: %s", e.Status, e.Message)
}

// Transient reports whether the error is worth retrying. Client errors
// (4xx) are not: bad input won't fix itself.
func (e *APIError) Transient() bool {
	return e.Status < 400 || e.Status >= 500
}

// Config holds provider client configuration
type Config struct {
	BaseURL     string
	Login       string
	Password    string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
}

// NewConfig creates a provider configuration from environment variables.
// Missing credentials are a fatal validation error, surfaced immediately.
func NewConfig() (*Config, error) {
	login := os.Getenv("DATAFORSEO_LOGIN")
	password := os.Getenv("DATAFORSEO_PASSWORD")
	if login == "" || password == "" {
		return nil, fmt.Errorf("%w: set DATAFORSEO_LOGIN and DATAFORSEO_PASSWORD", ErrMissingCredentials)
	}

	baseURL := os.Getenv("DATAFORSEO_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.dataforseo.com"
	}

	return &Config{
		BaseURL:     baseURL,
		Login:       login,
		Password:    password,
		Timeout:     60 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Second,
	}, nil
}

// CallResult is the outcome of one successful provider call.
type CallResult struct {
	Data          *Envelope
	CostUsd       float64
	TasksCount    int
	TasksCostUsd  []float64
	StatusCode    int
	StatusMessage string
}

// Caller is the call surface consumed by the job runner; fakes implement it
// in tests.
type Caller interface {
	Call(ctx context.Context, method string, payload interface{}) (*CallResult, error)
}

// Client is a DataForSEO API client with bounded retries.
type Client struct {
	config     *Config
	httpClient *http.Client
}

// NewClient creates a new provider client
func NewClient(config *Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Endpoint resolves a method name to its provider endpoint path. The path
// doubles as the request-fingerprint endpoint component.
func Endpoint(method string) (string, error) {
	endpoint, ok := methodEndpoints[method]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return endpoint, nil
}

// Call dispatches a provider request with retry on transient failures.
// Client errors (HTTP 4xx) fail immediately; everything else is retried up
// to MaxRetries times with exponential backoff (base, 2x, 4x ...). The last
// observed error is returned after exhaustion.
func (c *Client) Call(ctx context.Context, method string, payload interface{}) (*CallResult, error) {
	endpoint, err := Endpoint(method)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		result, err := c.doRequest(ctx, endpoint, payload)
		if err == nil {
			return result, nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Transient() {
			return nil, err
		}
		lastErr = err

		if attempt < c.config.MaxRetries {
			delay := c.config.BackoffBase << attempt
			log.Printf("Provider call %s failed (attempt %d/%d), retrying in %s: %v",
				method, attempt+1, c.config.MaxRetries+1, delay, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("provider call %s failed after %d attempts: %w",
		method, c.config.MaxRetries+1, lastErr)
}

func (c *Client) doRequest(ctx context.Context, endpoint string, payload interface{}) (*CallResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := c.config.BaseURL + "/v3/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.config.Login, c.config.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		msg := extractErrorMessage(respBody)
		if msg == "" {
			msg = resp.Status
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}

	var envelope Envelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	result := &CallResult{
		Data:          &envelope,
		TasksCount:    len(envelope.Tasks),
		StatusCode:    envelope.StatusCode,
		StatusMessage: envelope.StatusMessage,
	}
	for _, task := range envelope.Tasks {
		result.CostUsd += task.Cost
		result.TasksCostUsd = append(result.TasksCostUsd, task.Cost)
	}

	return result, nil
}

// extractErrorMessage pulls the provider status message out of an error
// body when one is present.
func extractErrorMessage(body []byte) string {
	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.StatusMessage
}
