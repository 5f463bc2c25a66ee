// Package ratelimit provides the in-process abuse controls for paycore:
// a fixed-window bucketed limiter for request throttling and a point-budget
// limiter with penalty blocks for payment submission.
package ratelimit

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/puffpass/paycore/internal/metrics"
)

// Defaults for the bucketed limiter.
const (
	DefaultMax    = 20
	DefaultWindow = 15 * time.Minute
)

// bucket is a fixed-window request counter for one key.
type bucket struct {
	count   int
	resetAt time.Time
}

// Limiter tracks fixed-window request counts by key.
// All limits reset on process restart; state is memory-only.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	max     int
	window  time.Duration
}

// NewLimiter creates a bucketed limiter with the given defaults.
// max <= 0 or window <= 0 fall back to DefaultMax / DefaultWindow.
func NewLimiter(max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = DefaultMax
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		max:     max,
		window:  window,
	}
}

// Allow records an attempt for key against the limiter's defaults.
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, l.max, l.window)
}

// AllowN records an attempt for key with a per-call limit and window.
// The attempt always counts, including the one that lands over the limit,
// so the boundary request fails closed.
func (l *Limiter) AllowN(key string, max int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{resetAt: now.Add(window)}
		l.buckets[key] = b
	} else if now.After(b.resetAt) {
		// New window begins
		b.count = 0
		b.resetAt = now.Add(window)
	}

	b.count++
	return b.count <= max
}

// Status reports remaining quota and window reset time for a key without
// consuming an attempt. A key with no bucket reports the full quota.
type Status struct {
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Status returns the current standing of a key against the given limit.
func (l *Limiter) Status(key string, max int) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || time.Now().After(b.resetAt) {
		return Status{Remaining: max}
	}

	remaining := max - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Status{Remaining: remaining, ResetAt: b.resetAt}
}

// Sweep removes buckets whose window ended more than one window ago.
// Called by an external maintenance timer; only bounds memory, never
// needed for correctness.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.resetAt) > l.window {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Size returns the current number of tracked keys.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware returns a gin middleware that rate limits by client IP.
// Authenticated requests are keyed by their Authorization header prefix
// so clients behind a shared NAT don't starve each other.
func (l *Limiter) Middleware(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if apiKey := c.GetHeader("Authorization"); apiKey != "" {
			key = "auth:" + apiKey[:min(20, len(apiKey))]
		}

		if !l.Allow(key) {
			metrics.RateLimitRejectionsTotal.WithLabelValues(name).Inc()
			st := l.Status(key, l.max)
			retryAfter := int(time.Until(st.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			c.Header("X-RateLimit-Remaining", "0")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
