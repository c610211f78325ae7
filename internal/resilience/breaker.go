// Package resilience provides the retry, circuit-breaker, and bulkhead
// primitives every outbound collaborator call goes through (SPEC_FULL
// §4.11, C11).
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker implements the closed → open → half-open state machine of spec
// §4.11: closed counts consecutive failures and trips to open at
// maxFailures; open rejects every call until timeout elapses, then allows
// up to halfOpenMaxCalls concurrent probes; half-open needs
// successThreshold consecutive successes to close, and any failure sends
// it back to open with a fresh timeout window.
type Breaker struct {
	mu               sync.Mutex
	state            state
	failures         int
	maxFailures      int
	timeout          time.Duration
	openedAt         time.Time
	now              func() time.Time // for testing
	successThreshold int
	successes        int
	halfOpenMaxCalls int
	halfOpenInFlight int
}

// NewBreaker creates a circuit breaker that opens after maxFailures
// consecutive failures and stays open for timeout before admitting
// half-open probes. successThreshold and halfOpenMaxCalls take spec §4.11's
// defaults (3 and 1); use WithSuccessThreshold/WithHalfOpenMaxCalls to
// override.
func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	return &Breaker{
		maxFailures:      maxFailures,
		timeout:          timeout,
		now:              time.Now,
		successThreshold: 3,
		halfOpenMaxCalls: 1,
	}
}

// WithSuccessThreshold overrides the number of consecutive half-open
// successes required to close the circuit.
func (b *Breaker) WithSuccessThreshold(n int) *Breaker {
	b.successThreshold = n
	return b
}

// WithHalfOpenMaxCalls overrides how many concurrent probes are admitted
// while half-open.
func (b *Breaker) WithHalfOpenMaxCalls(n int) *Breaker {
	b.halfOpenMaxCalls = n
	return b
}

// Execute runs fn if the circuit is closed or half-open and a probe slot is
// available. Returns ErrCircuitOpen if the circuit is open or half-open
// probe capacity is exhausted.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.halfOpenInFlight--
	}

	if err != nil {
		b.onFailure()
		return err
	}

	b.onSuccess()
	return nil
}

// RetryAfter reports how long the caller should wait before retrying,
// valid only when the circuit is currently open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateOpen {
		return 0
	}
	remaining := b.timeout - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.state = stateHalfOpen
			b.successes = 0
			b.halfOpenInFlight = 0
		} else {
			return false
		}
		fallthrough
	case stateHalfOpen:
		if b.halfOpenInFlight >= b.halfOpenMaxCalls {
			return false
		}
		b.halfOpenInFlight++
		return true
	}
	return false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	switch b.state {
	case stateHalfOpen:
		b.trip()
	case stateClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = stateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
	b.halfOpenInFlight = 0
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	switch b.state {
	case stateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = stateClosed
			b.failures = 0
			b.successes = 0
		}
	case stateClosed:
		b.failures = 0
	}
}
