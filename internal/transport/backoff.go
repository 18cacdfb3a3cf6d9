package transport

import (
	"math"
	"math/rand"
	"time"
)

// backoff computes capped exponential reconnect delays with jitter. A
// connection that stayed up for a minute resets the attempt counter, so a
// long-lived session that drops once does not pay for failures from hours
// ago.
type backoff struct {
	base        time.Duration
	cap         time.Duration
	attempt     int
	connectedAt time.Time
}

func newBackoff(base, cap time.Duration) *backoff {
	return &backoff{base: base, cap: cap}
}

func (b *backoff) markConnected() {
	b.connectedAt = time.Now()
}

func (b *backoff) next() time.Duration {
	// The stable-connection credit is consumed once; clearing connectedAt
	// lets later attempts in the same outage grow normally.
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > 60*time.Second {
		b.attempt = 0
		b.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(b.base) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.base)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.cap),
	))
	b.attempt++
	return delay
}

func (b *backoff) reset() {
	b.attempt = 0
	b.connectedAt = time.Time{}
}
