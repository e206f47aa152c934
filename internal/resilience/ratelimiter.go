package resilience

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket with lazy refill, used to bound the rate
// of requests the installer issues to a mirror — replacing the original
// tool's blind `sleep(1)` between chunk submissions with something that
// only throttles when the mirror is actually close to its limit.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   float64
	fillRate   float64 // tokens per second
	available  float64
	lastRefill time.Time
}

// NewRateLimiter builds a limiter with the given bucket capacity and
// refill rate in tokens/second.
func NewRateLimiter(capacity int64, fillRate float64) *RateLimiter {
	return &RateLimiter{
		capacity:   float64(capacity),
		fillRate:   fillRate,
		available:  float64(capacity),
		lastRefill: time.Now(),
	}
}

func (r *RateLimiter) refillLocked(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.available = min(r.capacity, r.available+elapsed*r.fillRate)
	r.lastRefill = now
}

// Allow reports whether a token is available without consuming time waiting.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refillLocked(time.Now())
	if r.available >= 1 {
		r.available--
		return true
	}
	return false
}

// Wait blocks until a token is available or done is closed, consuming one
// token on success.
func (r *RateLimiter) Wait(done <-chan struct{}) bool {
	for {
		r.mu.Lock()
		now := time.Now()
		r.refillLocked(now)
		if r.available >= 1 {
			r.available--
			r.mu.Unlock()
			return true
		}
		shortfall := 1 - r.available
		wait := time.Duration(shortfall / r.fillRate * float64(time.Second))
		r.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-done:
			t.Stop()
			return false
		case <-t.C:
		}
	}
}
