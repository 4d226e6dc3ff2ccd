package gateway

import (
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// Backoff computes reconnect delays: exponential growth from a base up to
// a ceiling, with jitter so shards that fail together do not reconnect
// together. Reset on reaching a connected state.
type Backoff struct {
	base    time.Duration
	ceiling time.Duration

	attempts *atomic.Int32
}

func NewBackoff(base, ceiling time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}

	if ceiling < base {
		ceiling = base
	}

	return &Backoff{
		base:    base,
		ceiling: ceiling,

		attempts: &atomic.Int32{},
	}
}

// Next returns the delay to apply before the next connection attempt and
// advances the attempt counter. The first delay after a reset is one base
// interval; only the initial connect of a fresh task skips the backoff
// entirely, by never consulting it.
func (backoff *Backoff) Next() time.Duration {
	attempt := backoff.attempts.Add(1)

	delay := backoff.delay(attempt)

	// Jitter up to one base interval on top of the deterministic delay.
	return delay + time.Duration(rand.Int64N(int64(backoff.base)))
}

// delay is the deterministic portion of the backoff curve, doubling per
// failed attempt and capped at the ceiling.
func (backoff *Backoff) delay(attempt int32) time.Duration {
	delay := backoff.base

	for i := int32(1); i < attempt; i++ {
		delay *= 2
		if delay >= backoff.ceiling {
			return backoff.ceiling
		}
	}

	if delay > backoff.ceiling {
		delay = backoff.ceiling
	}

	return delay
}

func (backoff *Backoff) Attempts() int32 {
	return backoff.attempts.Load()
}

// Reset returns the backoff to baseline after a successful connection.
func (backoff *Backoff) Reset() {
	backoff.attempts.Store(0)
}
