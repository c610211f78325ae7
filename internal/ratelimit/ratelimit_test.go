package ratelimit

import (
	"testing"
	"time"
)

// TestScenarioS6 is spec §8 scenario S6: capacity 5, window 1s — six
// back-to-back calls for one identifier produce 5x Allowed then 1x
// RateLimited with retry_after <= 1s; after 1 second capacity refills.
func TestScenarioS6(t *testing.T) {
	l := New(Config{MaxRequests: 5, Window: time.Second, MaxClients: 10})

	for i := 0; i < 5; i++ {
		d := l.Allow("client-1")
		if !d.Allowed {
			t.Fatalf("call %d: expected Allowed, got RateLimited", i)
		}
	}
	d := l.Allow("client-1")
	if d.Allowed {
		t.Fatal("expected 6th call to be RateLimited")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("expected retry_after in (0, 1s], got %s", d.RetryAfter)
	}

	time.Sleep(1100 * time.Millisecond)
	d = l.Allow("client-1")
	if !d.Allowed {
		t.Fatal("expected capacity to have refilled after 1s")
	}
}

func TestDisabledModeAlwaysAllows(t *testing.T) {
	l := New(Config{MaxRequests: 0})
	for i := 0; i < 10; i++ {
		if !l.Allow("anyone").Allowed {
			t.Fatal("expected disabled limiter to always allow")
		}
	}
}

func TestBoundedLRUEvicts(t *testing.T) {
	l := New(Config{MaxRequests: 5, Window: time.Second, MaxClients: 2})
	l.Allow("a")
	l.Allow("b")
	if l.Len() != 2 {
		t.Fatalf("expected 2 tracked clients, got %d", l.Len())
	}
	l.Allow("c")
	if l.Len() != 2 {
		t.Fatalf("expected eviction to keep tracked clients at 2, got %d", l.Len())
	}
}

func TestSweepRemovesIdleBuckets(t *testing.T) {
	l := New(Config{MaxRequests: 5, Window: 10 * time.Millisecond, MaxClients: 10})
	l.Allow("a")
	time.Sleep(200 * time.Millisecond)
	l.Sweep()
	if l.Len() != 0 {
		t.Fatalf("expected idle bucket to be swept, got %d remaining", l.Len())
	}
}

func TestIndependentIdentifiersDoNotShareBudget(t *testing.T) {
	l := New(Config{MaxRequests: 1, Window: time.Second, MaxClients: 10})
	if !l.Allow("a").Allowed {
		t.Fatal("expected first call for a to be allowed")
	}
	if !l.Allow("b").Allowed {
		t.Fatal("expected first call for b to be allowed independently of a")
	}
}
