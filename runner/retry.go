package runner

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy computes the wait before the attempt that follows a
// failed one. attempt is the 1-based number of the attempt that failed.
type BackoffStrategy interface {
	Delay(attempt int, base time.Duration) time.Duration
}

// NoDelayStrategy reschedules immediately.
type NoDelayStrategy struct{}

// Delay always returns zero.
func (NoDelayStrategy) Delay(int, time.Duration) time.Duration {
	return 0
}

// ExponentialBackoffStrategy implements a capped exponential backoff with jitter.
// Usage example:
//
//	ExponentialBackoffStrategy{
//	    Factor: 2,
//	    Max:    5 * time.Minute,
//	    Jitter: 0.2,
//	}
type ExponentialBackoffStrategy struct {
	// Factor is multiplied each attempt (e.g., 2 => base, 2*base, 4*base, ...)
	Factor float64
	// Max is the ceiling applied after jitter
	Max time.Duration
	// Jitter is the fraction of the delay that may be shaved off at random, in [0,1]
	Jitter float64
	// Rand returns values in [0,1); defaults to math/rand/v2
	Rand func() float64
}

// DefaultBackoff doubles from the rule base up to five minutes with 20% jitter.
func DefaultBackoff() ExponentialBackoffStrategy {
	return ExponentialBackoffStrategy{Factor: 2, Max: 5 * time.Minute, Jitter: 0.2}
}

// Delay implements an exponential backoff with a cap at Max.
func (e ExponentialBackoffStrategy) Delay(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	factor := e.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(base) * math.Pow(factor, float64(attempt-1))
	if e.Max > 0 && delay > float64(e.Max) {
		delay = float64(e.Max)
	}
	if jitter := clampUnit(e.Jitter); jitter > 0 {
		r := e.Rand
		if r == nil {
			r = rand.Float64
		}
		delay -= delay * jitter * clampUnit(r())
	}
	return time.Duration(delay)
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
