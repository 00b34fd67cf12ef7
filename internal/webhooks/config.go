// Package webhooks delivers loop events to outbound HTTP endpoints with
// HMAC signatures, retry with exponential backoff, and per-endpoint event
// filtering.
package webhooks

import (
	"fmt"
	"net/url"
	"time"

	"github.com/alekspetrov/conveyor/internal/autopilot"
)

// Config holds configuration for outbound webhooks.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Endpoints receive events as JSON POSTs.
	Endpoints []*Endpoint `yaml:"endpoints"`

	// Timeout bounds one delivery attempt (default: 10s)
	Timeout time.Duration `yaml:"timeout"`

	Retry *RetryConfig `yaml:"retry,omitempty"`

	// QueueSize is the number of events buffered for delivery. Events
	// published while the queue is full are dropped.
	QueueSize int `yaml:"queue_size"`
}

// Endpoint defines a single webhook endpoint.
type Endpoint struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`

	// Secret signs the body (X-Conveyor-Signature: sha256=...). Supports ${VAR}.
	Secret string `yaml:"secret,omitempty"`

	// Events is the list of event types this endpoint subscribes to.
	// Empty means all events.
	Events []string `yaml:"events,omitempty"`

	Headers map[string]string `yaml:"headers,omitempty"`
}

// RetryConfig defines retry behavior for failed deliveries.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// DefaultConfig returns a disabled configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   false,
		Endpoints: []*Endpoint{},
		Timeout:   10 * time.Second,
		Retry:     DefaultRetryConfig(),
		QueueSize: 256,
	}
}

// DefaultRetryConfig returns default retry settings.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// SubscribesTo reports whether the endpoint wants eventType.
func (e *Endpoint) SubscribesTo(eventType string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, et := range e.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// Validate checks endpoint URLs and event names.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	known := map[string]bool{}
	for _, t := range autopilot.EventTypes() {
		known[t] = true
	}
	for i, ep := range c.Endpoints {
		u, err := url.Parse(ep.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhooks.endpoints[%d]: invalid url %q", i, ep.URL)
		}
		for _, et := range ep.Events {
			if !known[et] {
				return fmt.Errorf("webhooks.endpoints[%d]: unknown event %q", i, et)
			}
		}
	}
	if c.Retry != nil && c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("webhooks.retry.max_attempts must be at least 1")
	}
	return nil
}

func (c *Config) retry() *RetryConfig {
	if c.Retry != nil {
		return c.Retry
	}
	return DefaultRetryConfig()
}
