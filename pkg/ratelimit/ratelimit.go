// Package ratelimit wraps golang.org/x/time/rate with the single policy
// lockbase's connection core needs: a per-connection token bucket that
// either admits an action or says no, with no partial-consumption or
// waiting semantics — actions never block on the limiter.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Capacity and Refill are the token bucket's burst size and steady-state
// refill rate: a burst of 50 actions refilling at 20/s, generous enough
// that a well-behaved client never sees 429 under normal use while still
// bounding a runaway one.
const (
	Capacity = 50
	Refill   = 20 // tokens per second
)

// RetryDelay is the fixed value returned in a 429 response body,
// independent of the limiter's actual parameters above.
const RetryDelay = 1000 * time.Millisecond

// Limiter is a single connection's token bucket.
type Limiter struct {
	b *rate.Limiter
}

// New returns a Limiter at full capacity.
func New() *Limiter {
	return &Limiter{b: rate.NewLimiter(rate.Limit(Refill), Capacity)}
}

// Allow reports whether an action may proceed, consuming one token if so.
// It never blocks.
func (l *Limiter) Allow() bool {
	return l.b.Allow()
}
