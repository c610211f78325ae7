package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryConfig mirrors spec §4.11's retry policy: exponential backoff with
// jitter, delay(attempt) = min(initial * multiplier^attempt * (1 ±
// jitter*rand), max_delay).
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultRetryConfig matches spec §4.11's documented defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// ErrExhausted wraps the last error seen after max_attempts were consumed.
type ErrExhausted struct {
	Attempts  int
	LastError error
}

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("resilience: exhausted after %d attempts: %v", e.Attempts, e.LastError)
}

func (e *ErrExhausted) Unwrap() error { return e.LastError }

// Retryable marks err as transient so Retry will retry it. Non-transient
// (permanent) errors should be returned unwrapped so retrying stops
// immediately, matching spec §7's "Permanent I/O... not retried" class.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retry.RetryableError(err)
}

// backoffFor builds the go-retry Backoff corresponding to cfg: exponential
// with a jitter percentage, capped at MaxDelay, bounded to MaxAttempts
// total tries (the initial attempt plus MaxAttempts-1 retries).
// go-retry's exponential backoff always doubles per step; cfg.Multiplier
// is retained for spec-surface compatibility and documentation but only
// the default 2.0 is representable through the underlying library.
func backoffFor(cfg RetryConfig) retry.Backoff {
	b := retry.NewExponential(cfg.InitialDelay)
	b = retry.WithJitterPercent(uint64(cfg.Jitter*100), b)
	b = retry.WithCappedDuration(cfg.MaxDelay, b)
	if cfg.MaxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(cfg.MaxAttempts-1), b)
	}
	return b
}

// Retry runs fn under cfg's exponential-backoff-with-jitter policy. fn must
// wrap transient errors with Retryable to be retried; a plain (unwrapped)
// error stops retrying immediately. On exhaustion, returns *ErrExhausted.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	attempts := 0
	var lastErr error

	err := retry.Do(ctx, backoffFor(cfg), func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		lastErr = err
		return err
	})
	if err == nil {
		return nil
	}
	return &ErrExhausted{Attempts: attempts, LastError: lastErr}
}
