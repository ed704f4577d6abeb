package queue

import (
	"math"
	"math/rand"
	"time"
)

// BackoffWithJitter returns the delay before retry number attempt: base
// doubled per attempt, capped at max, with the upper half randomised.
func BackoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
