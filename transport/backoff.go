package transport

import (
	"math"
	"math/rand"
	"time"
)

// Backoff configures reconnection waits. MaxAttempts counts consecutive
// failed connection attempts; 0 means retry forever.
type Backoff struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the wait, 0-1
}

// DefaultBackoff returns the backoff used when the caller does not override it.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts: 0,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// wait returns the pause before the given 1-based attempt.
func (b Backoff) wait(attempt int) time.Duration {
	w := float64(b.InitialWait) * math.Pow(b.Multiplier, float64(attempt-1))
	if w > float64(b.MaxWait) {
		w = float64(b.MaxWait)
	}
	if b.Jitter > 0 {
		w += w * b.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(w)
}

// exhausted reports whether the attempt budget is spent.
func (b Backoff) exhausted(attempts int) bool {
	return b.MaxAttempts > 0 && attempts >= b.MaxAttempts
}
