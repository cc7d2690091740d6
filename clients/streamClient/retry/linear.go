// Package retry computes reconnection delays.
package retry

import (
	"math/rand"
	"time"

	"gopkg.in/cenkalti/backoff.v1"
)

// Linear grows the delay as Base*attempt and gives up after MaxAttempts.
// The zero value never retries.
type Linear struct {
	Base        time.Duration
	MaxAttempts int
	// Jitter, in [0, 1), adds up to Jitter*delay of random extra wait.
	// It never shortens a delay, so the un-jittered ordering still holds.
	Jitter float64
}

// NewLinear returns a policy without jitter.
func NewLinear(base time.Duration, maxAttempts int) Linear {
	return Linear{Base: base, MaxAttempts: maxAttempts}
}

// WithJitter returns a copy of l that adds up to fraction*delay of random wait.
func (l Linear) WithJitter(fraction float64) Linear {
	if fraction < 0 {
		fraction = 0
	}
	l.Jitter = fraction
	return l
}

// Delay returns the wait before the given 1-based attempt. The second result
// is false once attempt exceeds MaxAttempts, meaning the caller should give up.
func (l Linear) Delay(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > l.MaxAttempts {
		return 0, false
	}
	d := l.Base * time.Duration(attempt)
	if l.Jitter > 0 && d > 0 {
		d += time.Duration(rand.Float64() * l.Jitter * float64(d))
	}
	return d, true
}

// Exhausted reports whether attempt is past the budget.
func (l Linear) Exhausted(attempt int) bool {
	_, ok := l.Delay(attempt)
	return !ok
}

// BackOff returns a fresh attempt counter walking this policy.
func (l Linear) BackOff() *Counter {
	return &Counter{policy: l}
}

var _ backoff.BackOff = (*Counter)(nil)

// Counter is the stateful side of a Linear policy. Each NextBackOff consumes
// one attempt; backoff.Stop means the budget is spent. Not safe for
// concurrent use.
type Counter struct {
	policy  Linear
	attempt int
}

func (c *Counter) NextBackOff() time.Duration {
	d, ok := c.policy.Delay(c.attempt + 1)
	if !ok {
		return backoff.Stop
	}
	c.attempt++
	return d
}

func (c *Counter) Reset() { c.attempt = 0 }

// Attempt is the number of attempts handed out since the last Reset.
func (c *Counter) Attempt() int { return c.attempt }
