package pool

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how often a single Acquire calls the factory after a
// creation failure and how long it backs off between attempts.
type RetryPolicy struct {
	// MaxAttempts is the number of factory calls one Acquire may make before
	// it gives up with a CreationError.
	// Default: 3
	MaxAttempts int
	// InitialBackoff is the delay after the first failure.
	// Default: 100 milliseconds
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between attempts.
	// Default: 2 seconds
	MaxBackoff time.Duration
	// Multiplier grows the delay after every further failure.
	// Default: 2.0
	Multiplier float64
	// JitterFraction randomizes each delay by up to this fraction (0.0-1.0).
	// Default: 0
	JitterFraction float64
}

// DefaultRetryPolicy returns the default creation retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
	}
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = def.MaxAttempts
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = def.InitialBackoff
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = def.MaxBackoff
	}
	if r.MaxBackoff < r.InitialBackoff {
		r.MaxBackoff = r.InitialBackoff
	}
	if r.Multiplier < 1 {
		r.Multiplier = def.Multiplier
	}
	if r.JitterFraction < 0 {
		r.JitterFraction = 0
	}
	if r.JitterFraction > 1 {
		r.JitterFraction = 1
	}
	return r
}

// Backoff returns the delay to wait after the given number of consecutive
// failed attempts (starting at 1): InitialBackoff * Multiplier^(failures-1),
// capped at MaxBackoff and then jittered.
func (r RetryPolicy) Backoff(failures int) time.Duration {
	if failures < 1 {
		return 0
	}

	delay := float64(r.InitialBackoff) * math.Pow(r.Multiplier, float64(failures-1))
	if delay > float64(r.MaxBackoff) {
		delay = float64(r.MaxBackoff)
	}

	if r.JitterFraction > 0 {
		jitter := delay * r.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}
