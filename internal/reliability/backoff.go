package reliability

import (
	"math"
	"time"
)

// Backoff computes retransmission timeouts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the timeout to wait after attempt N (1-based) before the
// next attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 || b.Initial <= 0 {
		return b.Initial
	}
	mult := b.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return time.Duration(delay)
}
