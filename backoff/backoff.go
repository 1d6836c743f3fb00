// Package backoff paces retries of optimistic flag updates.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Defaults suit retrying a store round trip that lost a version race.
const (
	DefaultInterval    = 10 * time.Millisecond
	DefaultMaxInterval = 500 * time.Millisecond
)

// ExponentialBackoff provides jittered exponential durations so that
// concurrent writers that conflicted on the same flag do not retry in
// lockstep. It is not safe for concurrent use; each retry loop owns one.
type ExponentialBackoff struct {
	Interval time.Duration
	Max      time.Duration

	current time.Duration
}

// New returns an ExponentialBackoff starting at interval and capped at max.
// Non-positive values select the defaults.
func New(interval, max time.Duration) *ExponentialBackoff {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if max <= 0 {
		max = DefaultMaxInterval
	}
	b := &ExponentialBackoff{Interval: interval, Max: max}
	b.Reset()
	return b
}

// Reset should be called after an attempt succeeds.
func (b *ExponentialBackoff) Reset() {
	b.current = b.Interval
}

// Wait blocks for the next backoff duration or until ctx is done, in which
// case it returns the context's error.
func (b *ExponentialBackoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.NextBackoff())
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextBackoff advances the interval and returns it.
func (b *ExponentialBackoff) NextBackoff() time.Duration {
	d := b.next()
	if d > b.Max {
		d = b.Max
	}
	b.current = d
	return d
}

// next doubles the current interval and applies a jitter factor in
// [0.5, 1.5). See
// https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
func (b *ExponentialBackoff) next() time.Duration {
	d := float64(b.current * 2)
	jitter := rand.Float64() + 0.5
	return time.Duration(d * jitter)
}
