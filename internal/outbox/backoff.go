package outbox

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the wait before a retry: Base * 2^(attempt-1), spread by
// ±Jitter and capped at Max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction, 0.1 is ±10%

	rand func() float64
}

func NewBackoff(base, max time.Duration) Backoff {
	return Backoff{Base: base, Max: max, Jitter: 0.1}
}

// Delay returns the wait after the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Jitter > 0 {
		d *= 1 + b.Jitter*(2*b.random()-1)
	}
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

func (b Backoff) random() float64 {
	if b.rand != nil {
		return b.rand()
	}
	return rand.Float64()
}
