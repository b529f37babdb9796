package queue

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff computes jittered exponential retry delays bounded by Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// JitterFraction is the share of the delay added as random jitter, 0.1 by default.
	JitterFraction float64

	jitter func(limit time.Duration) time.Duration
}

// NewBackoff builds a Backoff with crypto/rand jitter.
func NewBackoff(base, maxDelay time.Duration) *Backoff {
	if base <= 0 {
		base = time.Minute
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &Backoff{
		Base:           base,
		Max:            maxDelay,
		JitterFraction: 0.1,
		jitter:         randomJitter,
	}
}

// Delay returns the wait before the next attempt after attempts failures (attempts >= 1).
func (b *Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(b.Base) * math.Pow(2, float64(attempts-1))
	if delay > float64(b.Max) || math.IsInf(delay, 1) {
		delay = float64(b.Max)
	}
	d := time.Duration(delay)
	if b.jitter == nil || b.JitterFraction <= 0 {
		return d
	}
	return d + b.jitter(time.Duration(delay*b.JitterFraction))
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
