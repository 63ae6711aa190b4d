package retry

import (
	"context"
	"fmt"
	"time"
)

// Config holds retry configuration. The backoff is a fixed interval, not
// exponential: signaling sessions are short-lived and bounded by the
// attempt cap, so simplicity wins over optimality here.
type Config struct {
	MaxAttempts int           // total attempts, including the first
	Interval    time.Duration // fixed wait between attempts
}

// DefaultSignalingConfig returns the retry policy for group-call signaling.
func DefaultSignalingConfig() Config {
	return Config{
		MaxAttempts: 30,
		Interval:    3 * time.Second,
	}
}

// Predicate decides whether a failed attempt should be retried. attempt is
// 1-based and counts per logical request, not globally.
type Predicate func(err error, attempt int) bool

// Do executes fn until it succeeds, the predicate declines, the attempt cap
// is reached, or ctx is cancelled. Cancellation is checked both before each
// attempt and during the inter-attempt wait.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry Predicate) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	}, shouldRetry)
	return err
}

// DoWithResult is Do for functions that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error), shouldRetry Predicate) (T, error) {
	var zero T

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if shouldRetry != nil && !shouldRetry(err, attempt) {
			return zero, err
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-time.After(cfg.Interval):
		}
	}

	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", maxAttempts, lastErr)
}
