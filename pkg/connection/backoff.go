package connection

import (
	"math/rand"
	"time"
)

// Backoff computes the wait before reconnection attempt n (0-based).
type Backoff interface {
	Next(attempt int) time.Duration
}

// ExponentialBackoff grows the delay by Factor per attempt up to Max, with a
// symmetric random jitter of ±Jitter.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // 0.0 to 1.0
}

// DefaultBackoff is used by the push client: 500ms, doubling, capped at 30s,
// with 20% jitter.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Base:   500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Next returns the delay before the given attempt.
func (b *ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		return b.jitter(float64(b.Base))
	}

	delay := float64(b.Base)
	for i := 0; i < attempt && delay < float64(b.Max); i++ {
		delay *= b.Factor
	}
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return b.jitter(delay)
}

func (b *ExponentialBackoff) jitter(delay float64) time.Duration {
	if b.Jitter > 0 {
		delay += delay * (rand.Float64()*2 - 1) * b.Jitter
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}
