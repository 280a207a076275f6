package outbox

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before retry attempt n (1-indexed).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Constant always waits Interval.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration { return c.Interval }

// FullJitter draws uniformly from [0, min(Initial*2^(attempt-1), Max)] so
// relays recovering together do not retry in lockstep.
type FullJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func (e FullJitter) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter does not need crypto rand
}

// DefaultBackoff is full jitter from 2s up to 5m.
func DefaultBackoff() Backoff {
	return FullJitter{Initial: 2 * time.Second, Max: 5 * time.Minute}
}
