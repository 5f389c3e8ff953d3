// Package backoff provides pluggable retry delay strategies for failed
// jobs and tasks. All strategies are safe for concurrent use (they are
// stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait after the nth consecutive failure
	// (1-indexed). A record that has failed n times waits Delay(n)
	// before it becomes runnable again.
	Delay(n int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of failure count.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear increases the delay linearly with the failure count.
// Delay = min(Base * n, Max).
type Linear struct {
	Base time.Duration
	Max  time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(base, maxDelay time.Duration) *Linear {
	return &Linear{Base: base, Max: maxDelay}
}

// Delay returns Base * n, capped at Max when Max is positive.
func (l *Linear) Delay(n int) time.Duration {
	d := l.Base * time.Duration(n)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay with each failure.
// Delay = min(Base * 2^n, Max). With Max zero the delay is uncapped and
// strictly increasing, which keeps repeated failures of the same record
// spreading apart.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(base, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Max: maxDelay}
}

// Delay returns Base * 2^n, capped at Max when Max is positive.
func (e *Exponential) Delay(n int) time.Duration {
	d := time.Duration(float64(e.Base) * math.Pow(2, float64(n)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Base * 2^n, Max)].
// This prevents thundering herd when many retries happen simultaneously.
type ExponentialWithJitter struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(base, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Base: base, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Base * 2^n, Max)].
func (e *ExponentialWithJitter) Delay(n int) time.Duration {
	upper := float64(e.Base) * math.Pow(2, float64(n))
	if e.Max > 0 && upper > float64(e.Max) {
		upper = float64(e.Max)
	}
	return time.Duration(rand.Float64() * upper) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the backoff used when none is configured:
// uncapped Exponential with a 1s base. Deployments that expect bursts of
// correlated failures should swap in ExponentialWithJitter.
func DefaultStrategy() Strategy {
	return NewExponential(1*time.Second, 0)
}
