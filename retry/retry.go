// Package retry computes delays between attempts of background work.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const maxSteps = 32

// Delay returns the wait before the given attempt (1 is the first retry):
// initial doubled per attempt, capped at max, with 20% jitter.
func Delay(attempt int, initial, max time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()

	if attempt > maxSteps {
		attempt = maxSteps
	}
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
