package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWrapperSucceeds(t *testing.T) {
	w := NewWrapper(NewBreaker(5, time.Second), NewBulkhead("pool", 2))
	w.Retry = RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2, Jitter: 0}

	err := w.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestWrapperPropagatesCircuitOpenWithoutConsumingRetries(t *testing.T) {
	br := NewBreaker(1, time.Minute)
	// Trip the breaker directly.
	_ = br.Execute(func() error { return errTest })

	w := NewWrapper(br, NewBulkhead("pool", 2))
	w.Retry = RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2, Jitter: 0}

	calls := 0
	err := w.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected fn never called while circuit open, got %d calls", calls)
	}
}

func TestWrapperUsesFallbackAfterExhaustion(t *testing.T) {
	w := NewWrapper(NewBreaker(10, time.Second), NewBulkhead("pool", 2))
	w.Retry = RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2, Jitter: 0}
	fallbackCalled := false
	w.Fallback = func(ctx context.Context) error {
		fallbackCalled = true
		return nil
	}

	err := w.Execute(context.Background(), func(ctx context.Context) error {
		return Retryable(errTest)
	})
	if err != nil {
		t.Fatalf("expected fallback to absorb the error, got %v", err)
	}
	if !fallbackCalled {
		t.Fatal("expected fallback to be called")
	}
}
