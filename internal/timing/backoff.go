package timing

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxDoublings bounds the growth of exponential delays
const maxDoublings = 16

// NewExponential returns a jitter-free doubling schedule starting at base:
// base*2^0, base*2^1, ... The schedule never gives up on its own; callers
// count attempts and stop.
func NewExponential(base time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         base << maxDoublings,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// ExponentialDelay returns base*2^attempt without keeping any state
func ExponentialDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxDoublings {
		attempt = maxDoublings
	}
	return base << attempt
}
