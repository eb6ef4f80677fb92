package synctask

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultBackoffBase = 15 * time.Second
	DefaultBackoffMax  = time.Hour

	// MaxJitter caps Jitter so a delay never drops below half its NextDelay
	MaxJitter = 0.5
)

// Backoff is the exponential retry policy for failed tasks
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter shortens a delay by a random fraction of up to Jitter, capped at
	// MaxJitter. Zero disables it.
	Jitter float64

	rand func() float64
}

// NewBackoff returns a policy with the given bounds and no jitter
func NewBackoff(base, max time.Duration) Backoff {
	return Backoff{Base: base, Max: max}
}

// NextDelay returns min(Base * 2^retryCount, Max).
func (b Backoff) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if b.Max <= b.Base {
		return b.Max
	}

	delay := b.Base
	for i := 0; i < retryCount; i++ {
		if delay > b.Max/2 {
			return b.Max
		}
		delay *= 2
	}
	return min(delay, b.Max)
}

// Delay is NextDelay with jitter applied
func (b Backoff) Delay(retryCount int) time.Duration {
	delay := b.NextDelay(retryCount)
	if b.Jitter <= 0 {
		return delay
	}

	jitter := min(b.Jitter, MaxJitter)
	rnd := rand.Float64
	if b.rand != nil {
		rnd = b.rand
	}
	factor := 1 - jitter*min(max(rnd(), 0), 1)
	return time.Duration(float64(delay) * factor)
}
