package websocket

import (
	"math/rand"
	"time"
)

// backoff yields exponentially growing reconnect delays capped at max, with
// equal jitter: half the delay is fixed, the other half random.
type backoff struct {
	base       time.Duration
	max        time.Duration
	multiplier float64
	current    time.Duration
	jitter     func(time.Duration) time.Duration
}

func newBackoff(cfg ClientConfig) *backoff {
	return &backoff{
		base:       cfg.ReconnectDelay,
		max:        cfg.ReconnectMaxDelay,
		multiplier: cfg.ReconnectMultiplier,
		jitter: func(d time.Duration) time.Duration {
			if d <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(d)))
		},
	}
}

func (b *backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.base
	} else {
		next := time.Duration(float64(b.current) * b.multiplier)
		if next <= 0 || next > b.max {
			next = b.max
		}
		b.current = next
	}
	half := b.current / 2
	return half + b.jitter(b.current-half)
}

func (b *backoff) Reset() {
	b.current = 0
}
