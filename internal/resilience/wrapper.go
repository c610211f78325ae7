package resilience

import (
	"context"
	"errors"
)

// Wrapper composes retry + circuit breaker + bulkhead, the "resilient
// wrapper" of spec §4.11. Execution order per attempt: acquire bulkhead →
// call through breaker → release. A CircuitOpen result is returned
// immediately without consuming a retry attempt. On exhaustion, an
// optional fallback is invoked; if it succeeds the degradation is left for
// the caller to log, otherwise Exhausted propagates.
type Wrapper struct {
	Retry     RetryConfig
	Breaker   *Breaker
	Bulkhead  *Bulkhead
	// Fallback, if set, is called once after retries are exhausted. If it
	// returns an error, the original ErrExhausted is returned.
	Fallback func(ctx context.Context) error
}

// NewWrapper builds a Wrapper with spec-default retry config; Breaker and
// Bulkhead must be supplied by the caller since their thresholds are
// per-collaborator configuration, never hard-coded inside core components
// (spec §5).
func NewWrapper(breaker *Breaker, bulkhead *Bulkhead) *Wrapper {
	return &Wrapper{Retry: DefaultRetryConfig(), Breaker: breaker, Bulkhead: bulkhead}
}

// Execute runs fn under the composed policy.
func (w *Wrapper) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	err := Retry(ctx, w.Retry, func(ctx context.Context) error {
		var callErr error
		bhErr := w.Bulkhead.RunContext(ctx, func(ctx context.Context) error {
			callErr = w.Breaker.Execute(func() error { return fn(ctx) })
			return callErr
		})
		if errors.Is(bhErr, ErrBulkheadRejected) {
			// Backpressure, not a retriable transient error per spec §7:
			// surfaced to the caller immediately without consuming the
			// retry budget.
			return bhErr
		}
		if errors.Is(callErr, ErrCircuitOpen) {
			return callErr
		}
		if callErr != nil {
			return Retryable(callErr)
		}
		return nil
	})

	var exhausted *ErrExhausted
	if errors.As(err, &exhausted) && w.Fallback != nil &&
		!errors.Is(err, ErrCircuitOpen) && !errors.Is(err, ErrBulkheadRejected) {
		if fbErr := w.Fallback(ctx); fbErr == nil {
			return nil
		}
	}
	if errors.Is(err, ErrBulkheadRejected) || errors.Is(err, ErrCircuitOpen) {
		return err
	}
	return err
}
