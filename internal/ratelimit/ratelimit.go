// Package ratelimit implements the transport-independent token-bucket
// limiter of spec §4.13 (C13): per-identifier bucket, bounded LRU with TTL
// eviction so memory is bounded regardless of identifier cardinality. It is
// the core extracted from the teacher's HTTP-coupled
// internal/middleware/ratelimit.go, keyed by an arbitrary identifier (IP,
// API key, tenant) rather than only the request's remote IP.
package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

// scale turns the float token count into an integer unit so bucket math
// never drifts under repeated fractional refills.
const scale = 1 << 20

// Decision is the result of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Config mirrors spec §4.13's tunables.
type Config struct {
	MaxRequests int           // bucket capacity
	Window      time.Duration // refill window for MaxRequests tokens
	MaxClients  int           // bounded LRU capacity; 0 selects the default of 100,000
}

type bucket struct {
	mu            sync.Mutex
	scaledTokens  int64
	lastRefill    time.Time
	lastSeen      time.Time
	elem          *list.Element
}

// Limiter is a token-bucket rate limiter keyed by an opaque identifier.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket
	lru     *list.List // front = most recently used
}

// New creates a Limiter. Disabled mode (cfg.MaxRequests <= 0) makes every
// Allow call short-circuit to Allowed per spec §4.13.
func New(cfg Config) *Limiter {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 100_000
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		lru:     list.New(),
	}
}

// Allow consumes one token for id if available.
func (l *Limiter) Allow(id string) Decision {
	if l.cfg.MaxRequests <= 0 {
		return Decision{Allowed: true, Remaining: 0}
	}

	b := l.getOrCreate(id)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.lastRefill.IsZero() {
		b.scaledTokens = int64(l.cfg.MaxRequests) * scale
		b.lastRefill = now
	} else {
		elapsed := now.Sub(b.lastRefill)
		refillRate := float64(l.cfg.MaxRequests) * scale / l.cfg.Window.Seconds()
		b.scaledTokens += int64(elapsed.Seconds() * refillRate)
		capacity := int64(l.cfg.MaxRequests) * scale
		if b.scaledTokens > capacity {
			b.scaledTokens = capacity
		}
		b.lastRefill = now
	}
	b.lastSeen = now

	if b.scaledTokens < scale {
		deficit := scale - b.scaledTokens
		refillRate := float64(l.cfg.MaxRequests) * scale / l.cfg.Window.Seconds()
		waitSeconds := float64(deficit) / refillRate
		return Decision{Allowed: false, RetryAfter: time.Duration(waitSeconds * float64(time.Second))}
	}

	b.scaledTokens -= scale
	return Decision{Allowed: true, Remaining: int(b.scaledTokens / scale)}
}

func (l *Limiter) getOrCreate(id string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[id]; ok {
		l.lru.MoveToFront(b.elem)
		return b
	}

	if len(l.buckets) >= l.cfg.MaxClients {
		l.evictOldestLocked()
	}

	b := &bucket{}
	b.elem = l.lru.PushFront(id)
	l.buckets[id] = b
	return b
}

// evictOldestLocked removes the least-recently-used bucket. Caller holds l.mu.
func (l *Limiter) evictOldestLocked() {
	oldest := l.lru.Back()
	if oldest == nil {
		return
	}
	id := oldest.Value.(string)
	l.lru.Remove(oldest)
	delete(l.buckets, id)
}

// Sweep removes buckets idle longer than 10x the configured window, per
// spec §4.13's TTL rule. Intended to be called periodically by a caller's
// background goroutine (the teacher's StartCleanup idiom).
func (l *Limiter) Sweep() {
	cutoff := time.Now().Add(-10 * l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()
	for e := l.lru.Back(); e != nil; {
		prev := e.Prev()
		id := e.Value.(string)
		b := l.buckets[id]
		b.mu.Lock()
		stale := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if stale {
			l.lru.Remove(e)
			delete(l.buckets, id)
		}
		e = prev
	}
}

// StartSweeper runs Sweep on interval until the returned cancel func is
// called.
func (l *Limiter) StartSweeper(interval time.Duration) (cancel func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
	return func() { close(done) }
}

// Len reports the number of tracked identifiers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
