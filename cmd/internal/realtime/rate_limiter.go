package realtime

import (
	"sync"
	"time"
)

// RateLimiter caps inbound frames per connection: at most limit frames in any window.
// It keeps the last limit accept times in a ring, so Allow is O(1).
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int // index of the oldest accepted frame once the ring is full
	full   bool
	window time.Duration
}

// NewRateLimiter falls back to the gateway defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{ring: make([]time.Time, limit), window: window}
}

// Allow records a frame at now if the window has room. Otherwise it returns false and how
// long until the oldest frame in the window expires.
func (r *RateLimiter) Allow(now time.Time) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full {
		if wait := r.ring[r.next].Add(r.window).Sub(now); wait > 0 {
			return false, wait
		}
	}
	r.ring[r.next] = now
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
	return true, 0
}
