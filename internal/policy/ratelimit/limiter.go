// Package ratelimit implements a token bucket rate limiter for per-host politeness, plus host
// cooldowns after blocking pages.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/listing-warehouse/internal/metrics"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	pausedUntil  map[string]time.Time
	defaultRate  rate.Limit
	defaultBurst int
	now          func() time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter. A non-positive rate disables throttling.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		pausedUntil:  make(map[string]time.Time),
		defaultRate:  r,
		defaultBurst: burst,
		now:          time.Now,
	}
}

// Wait blocks until the host is out of cooldown and a token is available, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	until := l.pausedUntil[host]
	l.mu.Unlock()

	start := time.Now()
	if pause := until.Sub(l.now()); pause > 0 {
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit cooldown: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate tokens are not delays.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, d)
	}
	return nil
}

// Cooldown pauses every request to the URL's host for d. Overlapping cooldowns keep the later end.
func (l *Limiter) Cooldown(rawURL string, d time.Duration) {
	if d <= 0 {
		return
	}
	host := hostOf(rawURL)
	until := l.now().Add(d)
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.pausedUntil[host]) {
		l.pausedUntil[host] = until
	}
}

// PausedUntil returns the end of the host's current cooldown, zero when none.
func (l *Limiter) PausedUntil(rawURL string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.pausedUntil[hostOf(rawURL)]
	if !until.After(l.now()) {
		return time.Time{}
	}
	return until
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
