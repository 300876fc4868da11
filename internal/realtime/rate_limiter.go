package realtime

import (
	"sync"
	"time"
)

// RateLimiter bounds how many events one connection may emit per sliding
// window. The gateway feeds it wall-clock times from its read loop, so
// arrivals are non-decreasing and expiry only ever trims the oldest end.
//
// A limiter built with a non-positive limit or window is permissive; the
// real defaults live in GatewayConfig, not here.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration

	// arrivals inside the current window, oldest first. head indexes the
	// first live entry, so expiry is an index bump rather than a copy.
	arrivals []time.Time
	head     int
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window}
}

// Allow records an event at now and reports whether it fits the budget.
func (r *RateLimiter) Allow(now time.Time) bool {
	if r.limit <= 0 || r.window <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	for r.head < len(r.arrivals) && !r.arrivals[r.head].After(cut) {
		r.head++
	}
	if r.head == len(r.arrivals) {
		r.arrivals = r.arrivals[:0]
		r.head = 0
	}

	if len(r.arrivals)-r.head >= r.limit {
		return false
	}
	if r.head > 0 && len(r.arrivals) == cap(r.arrivals) {
		// Compact expired head room before growing the backing array.
		r.arrivals = append(r.arrivals[:0], r.arrivals[r.head:]...)
		r.head = 0
	}
	r.arrivals = append(r.arrivals, now)
	return true
}
