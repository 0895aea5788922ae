// Package ratelimit throttles outbound ledger RPC calls per upstream.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerSecond is the sustained rate per key. Zero disables limiting.
	RequestsPerSecond float64
	// BurstSize allows brief bursts above the rate
	BurstSize int
}

// DefaultConfig suits public Base and Solana endpoints.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		BurstSize:         5,
	}
}

// Limiter is a token bucket per key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter. A nil clock uses time.Now.
func New(cfg Config, now func() time.Time) *Limiter {
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     now,
	}
}

// Allow takes a token for key if one is available.
func (l *Limiter) Allow(key string) bool {
	return l.reserve(key) == 0
}

// Wait blocks until a token for key is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l == nil || l.cfg.RequestsPerSecond <= 0 {
		return ctx.Err()
	}
	for {
		d := l.reserve(key)
		if d == 0 {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve takes a token and returns zero, or returns how long until the
// next token is available.
func (l *Limiter) reserve(key string) time.Duration {
	if l.cfg.RequestsPerSecond <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return 0
	}

	b.tokens += now.Sub(b.lastCheck).Seconds() * l.cfg.RequestsPerSecond
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return 0
	}
	missing := 1 - b.tokens
	return time.Duration(missing / l.cfg.RequestsPerSecond * float64(time.Second))
}
