package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	DefaultRateLimit     = 5.0
	DefaultBurst         = 10
	DefaultMaxConcurrent = 4

	reasonRateLimited   = "rate limit exceeded"
	reasonTooConcurrent = "too many concurrent requests"
)

// ClientRateLimiter combines a token bucket with a concurrency cap.
type ClientRateLimiter struct {
	limiter *rate.Limiter

	mu            sync.Mutex
	maxConcurrent int
	concurrent    int
}

// NewClientRateLimiter creates a limiter allowing perSecond requests with
// the given burst. Non-positive values use the defaults.
func NewClientRateLimiter(perSecond float64, burst, maxConcurrent int) *ClientRateLimiter {
	if perSecond <= 0 {
		perSecond = DefaultRateLimit
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &ClientRateLimiter{
		limiter:       rate.NewLimiter(rate.Limit(perSecond), burst),
		maxConcurrent: maxConcurrent,
	}
}

// Acquire admits one request. On success the caller must call Release.
func (r *ClientRateLimiter) Acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrent >= r.maxConcurrent {
		return false, reasonTooConcurrent
	}
	if !r.limiter.Allow() {
		return false, reasonRateLimited
	}
	r.concurrent++
	return true, ""
}

// Release ends a request admitted by Acquire
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrent > 0 {
		r.concurrent--
	}
}

// InFlight returns the number of admitted, unreleased requests
func (r *ClientRateLimiter) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrent
}
