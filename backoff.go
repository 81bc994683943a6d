package chatws

import (
	"math"
	"time"
)

type backoffCalculator func(attempts int) time.Duration

// Backoff computes the wait before reconnect attempt n as Base * 2^(n-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the delay to wait after the given number of failed attempts.
// Attempts lower than 1 are treated as 1.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := time.Duration(float64(b.Base) * ExponentialBackoff(attempts))
	// float overflow on large attempt counts ends up negative or huge
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		return b.Max
	}
	return d
}

func (b Backoff) calculator() backoffCalculator {
	return b.Delay
}

// ExponentialBackoff returns the multiplier 2^(attempts-1).
func ExponentialBackoff(attempts int) float64 {
	return math.Pow(2.0, float64(attempts-1))
}
