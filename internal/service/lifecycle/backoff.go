package lifecycle

import (
	"math"
	"math/rand"
	"time"
)

const (
	defaultRetryBackoffMin    = 500 * time.Millisecond
	defaultRetryBackoffMax    = 15 * time.Second
	defaultRetryBackoffFactor = 2.0
	defaultMaxSubmitAttempts  = 5
)

// retryDelay computes the wait before submit attempt n (0-based), growing
// geometrically from min to max with uniform jitter up to one step.
func retryDelay(attempt int, min, max time.Duration, factor float64, rng *rand.Rand) time.Duration {
	if min <= 0 {
		min = defaultRetryBackoffMin
	}
	if max < min {
		max = defaultRetryBackoffMax
	}
	if factor < 1 {
		factor = defaultRetryBackoffFactor
	}

	backoff := float64(min) * math.Pow(factor, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}

	base := time.Duration(backoff)
	jitter := time.Duration(rng.Int63n(int64(base)/2 + 1))
	total := base + jitter
	if total > max {
		return max
	}

	return total
}
