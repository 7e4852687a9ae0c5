package hachimi

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// RetryPolicy bounds the orchestration loop's retries for tool
// invocations that fail with SERVER_UNAVAILABLE or a transport error.
// Routing errors (unknown tool/server) are never retried.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first (default 3)
	BaseDelay   time.Duration // backoff before the second attempt (default 500ms)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	return p
}

// retryCall calls fn up to maxAttempts times, sleeping between retryable
// failures. Non-retryable errors return immediately.
func retryCall[T any](ctx context.Context, p RetryPolicy, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	p = p.withDefaults()
	var zero T
	var last error
	for i := 0; i < p.MaxAttempts; i++ {
		result, err := fn()
		if err == nil || !IsRetryable(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"target", name,
			"attempt", i+1,
			"max_attempts", p.MaxAttempts,
			"error", err)
		if i < p.MaxAttempts-1 {
			timer := time.NewTimer(retryDelay(p.BaseDelay, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"target", name,
		"attempts", p.MaxAttempts,
		"error", last)
	return zero, last
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum. The effective delay is max(backoff, retryAfter).
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// retryAfterOf extracts the Retry-After duration from a wrapped ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
