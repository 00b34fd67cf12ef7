// Package agent is the HTTP client for the external coding-agent service.
package agent

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

	"github.com/alekspetrov/conveyor/internal/adapters/github"
)

// DefaultTimeout bounds every agent API call.
const DefaultTimeout = 60 * time.Second

// ErrMissingCredentials is returned before any request when no API key is configured.
var ErrMissingCredentials = errors.New("agent API key is not configured")

// Status is the remote lifecycle state of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Config holds agent API configuration.
type Config struct {
	BaseURL string        `yaml:"base_url" toml:"base_url"`
	APIKey  string        `yaml:"api_key" toml:"api_key"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
}

// SessionRequest asks the agent to start work on one task.
type SessionRequest struct {
	Prompt       string `json:"prompt"`
	Title        string `json:"title"`
	Repository   string `json:"repository"`
	SourceBranch string `json:"source_branch"`

	// IdempotencyKey is sent as the Idempotency-Key header so a replayed
	// create returns the original session.
	IdempotencyKey string `json:"-"`
}

// SessionInfo is the agent's view of a session.
type SessionInfo struct {
	ID           string `json:"id"`
	Status       Status `json:"status"`
	URL          string `json:"url,omitempty"`
	ResultBranch string `json:"result_branch,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Client talks to the coding-agent API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	retry      github.RetryOptions
}

// Option configures a Client.
type Option func(*Client)

// WithRetryOptions overrides the retry policy.
func WithRetryOptions(opts github.RetryOptions) Option {
	return func(c *Client) { c.retry = opts }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an agent client from cfg.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retry:      github.DefaultRetryOptions(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasCredentials reports whether an API key is configured.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// CreateSession starts a new agent session. The POST is sent once: a lost
// response must not start a second session, so transient errors go back to
// the caller for the next trigger.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (*SessionInfo, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingCredentials
	}
	var header http.Header
	if req.IdempotencyKey != "" {
		header = http.Header{"Idempotency-Key": []string{req.IdempotencyKey}}
	}
	var info SessionInfo
	if err := c.do(ctx, http.MethodPost, "/sessions", header, req, &info); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if info.ID == "" {
		return nil, fmt.Errorf("create session: response has no session id")
	}
	if info.Status == "" {
		info.Status = StatusPending
	}
	return &info, nil
}

// GetSession fetches the current state of a session.
func (c *Client) GetSession(ctx context.Context, id string) (*SessionInfo, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingCredentials
	}
	info, err := github.WithRetry(ctx, func() (*SessionInfo, error) {
		var info SessionInfo
		if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, nil, &info); err != nil {
			return nil, err
		}
		return &info, nil
	}, c.retry)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return info, nil
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// github.IsRetryable keys off *APIError.
		return &github.APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
