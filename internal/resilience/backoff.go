package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes how long to wait before a given attempt. Attempts are
// numbered from 1.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// LinearBackoff waits Base before the first attempt and adds Increment for
// every subsequent one: Base + (n-1)*Increment before attempt n.
type LinearBackoff struct {
	Base      time.Duration
	Increment time.Duration
}

// Delay implements Backoff.
func (b LinearBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base + time.Duration(attempt-1)*b.Increment
	if d < 0 {
		return 0
	}
	return d
}

// ExponentialBackoff does not wait before the first attempt, then waits
// Initial * Multiplier^(n-2) before attempt n, capped at Max, with
// ±Jitter fractional randomization.
type ExponentialBackoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
}

// Delay implements Backoff.
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(b.Initial) * math.Pow(mult, float64(attempt-2))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		spread := delay * b.Jitter
		delay += (rand.Float64()*2 - 1) * spread
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// NoBackoff never waits.
type NoBackoff struct{}

// Delay implements Backoff.
func (NoBackoff) Delay(int) time.Duration { return 0 }
