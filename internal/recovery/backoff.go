package recovery

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Backoff computes retry delays: unit * base^n * (1 + jitter*r), capped at
// Max, where n is the 1-based number of the failed attempt and r is in [0,1).
type Backoff struct {
	Base   float64
	Unit   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns r. Defaults to math/rand.
	Rand func() float64
}

// DefaultBackoff returns 2s, 4s, 8s ... capped at one minute, with 10% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   2,
		Unit:   time.Second,
		Max:    time.Minute,
		Jitter: 0.1,
	}
}

// Validate checks that the delay sequence is non-decreasing and bounded.
// Jitter may not exceed base-1, otherwise a high draw on attempt n could
// exceed a low draw on attempt n+1.
func (b Backoff) Validate() error {
	switch {
	case b.Base < 1:
		return errors.New("backoff base must be >= 1")
	case b.Unit <= 0:
		return errors.New("backoff unit must be positive")
	case b.Max < b.Unit:
		return errors.New("max backoff must be >= backoff unit")
	case b.Jitter < 0 || b.Jitter > b.Base-1:
		return errors.New("backoff jitter must be between 0 and base-1")
	}
	return nil
}

// Delay returns the wait after failed attempt n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	r := 0.0
	if b.Jitter > 0 {
		if b.Rand != nil {
			r = b.Rand()
		} else {
			r = rand.Float64()
		}
	}
	d := float64(b.Unit) * math.Pow(b.Base, float64(n)) * (1 + b.Jitter*r)
	if d > float64(b.Max) || math.IsInf(d, 1) {
		return b.Max
	}
	return time.Duration(d)
}
