// Package ratelimit implements the per-user admission controller of
// spec §4.B: a continuous-refill token bucket keyed by user id.
package ratelimit

import (
	"sync"
	"time"
)

// bucket is a single user's token bucket. Tokens accumulate fractionally
// between checks; capacity bounds the burst a user may spend at once.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

func newBucket(capacity, refillRate float64, now time.Time) *bucket {
	return &bucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: refillRate,
		lastRefill: now,
	}
}

// tryAdmit refills the bucket for elapsed time, then spends one token if
// available. A backward clock jump leaves the token count unchanged and
// only advances lastRefill, per spec's clock-skew-safety requirement.
func (b *bucket) tryAdmit(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.After(b.lastRefill) {
		elapsed := now.Sub(b.lastRefill).Seconds()
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Controller is the Admission Controller: a registry of per-user buckets
// that persists across reconnections. Unlike a connection-scoped limiter,
// entries are never evicted on disconnect, so a user cannot reset their
// budget by reconnecting.
type Controller struct {
	capacity   float64
	refillRate float64

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New returns an admission controller with the given capacity and
// per-second refill rate.
func New(capacity, refillRate float64) *Controller {
	return &Controller{
		capacity:   capacity,
		refillRate: refillRate,
		buckets:    make(map[string]*bucket),
	}
}

// TryAdmit reports whether userID may send a message at time now, spending
// one token from their bucket if so.
func (c *Controller) TryAdmit(userID string, now time.Time) bool {
	c.mu.Lock()
	b, ok := c.buckets[userID]
	if !ok {
		b = newBucket(c.capacity, c.refillRate, now)
		c.buckets[userID] = b
	}
	c.mu.Unlock()

	return b.tryAdmit(now)
}
