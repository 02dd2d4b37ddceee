// Package netutil provides reconnect backoff for neighbor links.
package netutil

import (
	"math/rand"
	"time"
)

// Backoff computes capped, jittered exponential backoff delays for
// repeated reconnect attempts. Jitter spreads the redials of a
// restarted mesh segment so neighbors do not reconnect in lockstep.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64

	// Jitter is the fraction of the computed delay that is randomized,
	// in [0, 1]. 0 disables jitter.
	Jitter float64
}

// DefaultBackoff returns the backoff policy used for neighbor links.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    500 * time.Millisecond,
		Max:    time.Minute,
		Factor: 2,
		Jitter: 0.3,
	}
}

// Duration returns the delay before attempt n (zero-based).
func (b Backoff) Duration(attempt int) time.Duration {
	d := float64(b.Min)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
		if d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}

	if b.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * b.Jitter * d
	}

	if d < float64(b.Min) {
		d = float64(b.Min)
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}
