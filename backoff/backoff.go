// Package backoff computes retry delays between job attempts. Strategies
// are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before the retry that follows
	// attempt n (1-indexed: n=1 is the first failed attempt).
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// Exponential doubles the delay each attempt:
// Delay = min(Base * 2^(attempt-1), Ceiling).
type Exponential struct {
	Base    time.Duration
	Ceiling time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(base, ceiling time.Duration) *Exponential {
	return &Exponential{Base: base, Ceiling: ceiling}
}

// Delay returns Base * 2^(attempt-1), capped at Ceiling.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Base) * math.Pow(2, float64(attempt-1)))
	if e.Ceiling > 0 && (d > e.Ceiling || d < 0) {
		return e.Ceiling
	}
	return d
}

// ExponentialWithJitter spreads an exponential base over [base/2, base] to
// avoid synchronized retries from many failed jobs.
type ExponentialWithJitter struct {
	Base    time.Duration
	Ceiling time.Duration
}

// NewExponentialWithJitter creates an exponential strategy with jitter.
func NewExponentialWithJitter(base, ceiling time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Base: base, Ceiling: ceiling}
}

// Delay returns a random duration in [d/2, d] where d is the capped
// exponential delay for the attempt.
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	d := (&Exponential{Base: e.Base, Ceiling: e.Ceiling}).Delay(attempt)
	half := d / 2
	return half + time.Duration(rand.Float64()*float64(half)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ForQueue builds the retry strategy for a queue from its configured base
// delay and the orchestrator-wide ceiling.
func ForQueue(base, ceiling time.Duration) Strategy {
	return NewExponential(base, ceiling)
}
