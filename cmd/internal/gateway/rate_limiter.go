package gateway

import (
	"sync"
	"time"

	v1 "convsync/shared/contracts/feed/v1"
)

// RateLimiter is a per-connection sliding-window limiter over inbound envelopes.
// Admitted events are kept in a ring sized to the limit, oldest at head.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	head   int
	n      int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter. Invalid inputs fall back to the gateway defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateEvents
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{ring: make([]time.Time, limit), window: window}
}

// Limit returns the number of events admitted per window.
func (r *RateLimiter) Limit() int { return len(r.ring) }

// exempt reports envelope types that release server work instead of creating it.
func exempt(typ string) bool {
	return typ == v1.TypeUnsubscribe
}

// Allow reports whether an envelope of type typ at now is permitted, and records
// it if so. Exempt types are always permitted and never recorded.
func (r *RateLimiter) Allow(now time.Time, typ string) bool {
	if exempt(typ) {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	for r.n > 0 && !r.ring[r.head].After(cut) {
		r.head = (r.head + 1) % len(r.ring)
		r.n--
	}
	if r.n == len(r.ring) {
		return false
	}
	r.ring[(r.head+r.n)%len(r.ring)] = now
	r.n++
	return true
}
