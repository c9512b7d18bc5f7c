// Package ratelimiter provides token bucket request throttling for the
// protocol adapters.
//
// Tokens refill at a sustained rate; each admitted request consumes
// one. A full bucket absorbs bursts above the sustained rate, an empty
// bucket rejects (Allow) or delays (Wait) the caller.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter throttles request admission. All methods are safe for
// concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing requestsPerSecond sustained with the
// given burst capacity. A zero rate means unlimited.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		// rate.Inf has edge cases around SetLimit, so use a bucket
		// no real workload can drain.
		requestsPerSecond = 1_000_000_000
		burst = requestsPerSecond
	}
	if burst == 0 {
		burst = requestsPerSecond
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Allow reports whether one request may proceed now, consuming a token
// when it may. It never blocks; use it on paths that should reject
// over-limit traffic instead of queueing it.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done, returning the
// context error in the latter case.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// SetLimit changes the sustained rate at runtime. The burst capacity
// follows the new rate so the bucket can still hold what the new rate
// accumulates.
func (r *RateLimiter) SetLimit(requestsPerSecond uint) {
	if requestsPerSecond == 0 {
		requestsPerSecond = 1_000_000_000
	}
	r.limiter.SetLimit(rate.Limit(requestsPerSecond))
	if uint(r.limiter.Burst()) < requestsPerSecond {
		r.limiter.SetBurst(int(requestsPerSecond))
	}
}

// Tokens returns the tokens currently in the bucket. Monitoring only;
// the value is stale as soon as it returns.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
