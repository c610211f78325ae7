package middleware

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/agenttrace/core/internal/ratelimit"
)

// RateLimiter is thin HTTP glue over internal/ratelimit: it extracts an
// identifier from the request and enforces the token-bucket decision
// through response headers/status, per spec §4.13 and §6.
type RateLimiter struct {
	limiter *ratelimit.Limiter
}

// NewRateLimiter creates HTTP middleware backed by a token bucket with the
// given sustained rate (requests per second) and burst size.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	window := time.Duration(float64(burst) / rate * float64(time.Second))
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{limiter: ratelimit.New(ratelimit.Config{MaxRequests: burst, Window: window})}
}

// Handler returns HTTP middleware that enforces per-identifier rate limiting.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := rl.limiter.Allow(realIP(r))

		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(time.Second).Unix()))

		if !d.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(d.RetryAfter.Seconds())))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// StartCleanup delegates to the underlying limiter's TTL sweeper.
func (rl *RateLimiter) StartCleanup(interval, _ time.Duration) func() {
	return rl.limiter.StartSweeper(interval)
}

// Len returns the number of tracked identifiers (for metrics and testing).
func (rl *RateLimiter) Len() int {
	return rl.limiter.Len()
}

// realIP extracts the client IP from RemoteAddr.
// Proxy headers (X-Forwarded-For, X-Real-Ip) are NOT trusted because
// they can be spoofed by attackers to bypass rate limiting.
func realIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
