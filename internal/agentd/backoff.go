package agentd

import (
	"math"
	"time"
)

// Backoff computes exponential retry delays:
// delay = min(initial * multiplier^attempt, max). The attempt counter
// resets on the first success after a failure streak.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration

	attempt int
}

// Next returns the delay for the current attempt and advances the counter.
// Delays never decrease before hitting the cap.
func (b *Backoff) Next() time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	max := b.Max
	if max <= 0 {
		max = 60 * time.Second
	}

	d := time.Duration(float64(initial) * math.Pow(mult, float64(b.attempt)))
	if d <= 0 || d > max {
		d = max
	}
	b.attempt++
	return d
}

// Reset zeroes the attempt counter.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }
