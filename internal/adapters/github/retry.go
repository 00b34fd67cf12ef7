package github

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// RetryOptions configures retry behavior
type RetryOptions struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // first backoff step
	MaxDelay   time.Duration // cap for a single wait
}

// DefaultRetryOptions returns the retry policy used for Task Store calls.
// It is deliberately short: a failed trigger is retried by the next trigger.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

// NoRetry disables retries (tests, one-shot CLI calls).
func NoRetry() RetryOptions {
	return RetryOptions{}
}

// WithRetry executes op with exponential backoff. It honours the server's
// Retry-After hint when present (capped at MaxDelay) and stops on ctx
// cancellation or on the first non-retryable error.
func WithRetry[T any](ctx context.Context, op func() (T, error), opts RetryOptions) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		result, lastErr = op()
		if lastErr == nil {
			return result, nil
		}
		if !IsRetryable(lastErr) || attempt >= opts.MaxRetries {
			return result, lastErr
		}

		delay := opts.BaseDelay * time.Duration(1<<uint(attempt))
		var apiErr *APIError
		if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > 0 {
			delay = apiErr.RetryAfter
		}
		if opts.MaxDelay > 0 && delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}

	return result, lastErr
}

// WithRetryVoid is like WithRetry but for operations that don't return a value.
func WithRetryVoid(ctx context.Context, op func() error, opts RetryOptions) error {
	_, err := WithRetry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, opts)
	return err
}

// IsRetryable reports whether err is transient: rate limiting, 5xx, or a
// network-level failure. Context cancellation is never retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		case http.StatusForbidden:
			// secondary rate limit
			return apiErr.RetryAfter > 0
		}
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
