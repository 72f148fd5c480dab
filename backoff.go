package tweetwatch

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryPolicy doubles the wait after each consecutive failure up to max.
type retryPolicy struct {
	max time.Duration
	bo  *backoff.ExponentialBackOff
}

func newRetryPolicy(initial, max time.Duration, jitter float64) *retryPolicy {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	bo.Multiplier = 2
	bo.RandomizationFactor = jitter
	bo.Reset()
	return &retryPolicy{max: max, bo: bo}
}

// Next returns the wait before the next attempt. Jitter never pushes it
// past the cap.
func (p *retryPolicy) Next() time.Duration {
	d := p.bo.NextBackOff()
	if d > p.max {
		d = p.max
	}
	return d
}

// Reset is called after a success.
func (p *retryPolicy) Reset() {
	p.bo.Reset()
}
