package groupmq

import (
	"math/rand/v2"
	"time"
)

// BackoffFunc returns the hold applied to a group after the given failed
// attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// DefaultBackoff doubles from 500ms up to 30s and adds up to 25% jitter.
func DefaultBackoff(attempt int) time.Duration {
	return ExponentialBackoff(500*time.Millisecond, 30*time.Second, 0.25)(attempt)
}

func ExponentialBackoff(base, maxDelay time.Duration, jitter float64) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}

		d := maxDelay
		if shift := attempt - 1; shift < 32 {
			if v := base << shift; v > 0 && v < maxDelay {
				d = v
			}
		}

		if jitter > 0 {
			d += time.Duration(rand.Float64() * jitter * float64(d))
		}
		return d
	}
}

func ConstantBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// NoBackoff makes a failed job eligible again immediately.
func NoBackoff(int) time.Duration { return 0 }
