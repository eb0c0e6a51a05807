package client

import (
	"math/rand/v2"
	"time"
)

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
	defaultJitter      = 0.2
)

// Backoff computes capped exponential reconnect delays with jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter is the fraction of each delay that is randomized, in (0, 1].
	// Zero selects the default; a negative value disables jitter.
	Jitter float64

	rand func() float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = defaultBackoffBase
	}
	if b.Max <= 0 {
		b.Max = defaultBackoffMax
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Jitter == 0 {
		b.Jitter = defaultJitter
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	if b.rand == nil {
		b.rand = rand.Float64
	}
	return b
}

// ceiling returns the delay for attempt before jitter is applied.
func (b Backoff) ceiling(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}

// Delay returns how long to wait before reconnect attempt number attempt,
// counting from zero.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()

	d := b.ceiling(attempt)
	spread := time.Duration(float64(d) * max(b.Jitter, 0))
	return d - spread + time.Duration(b.rand()*float64(spread))
}

// Exhausted reports whether attempt has reached the delay ceiling. The
// engine keeps retrying past this point but reports itself offline.
func (b Backoff) Exhausted(attempt int) bool {
	b = b.withDefaults()
	return b.ceiling(attempt) >= b.Max
}
