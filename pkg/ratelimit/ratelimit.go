package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter gates outbound requests.
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	GetRemaining() int
}

// TokenBucket refills continuously at refillPerSecond up to capacity.
type TokenBucket struct {
	capacity        float64
	tokens          float64
	refillPerSecond float64
	lastRefill      time.Time
	mu              sync.Mutex
}

func NewTokenBucket(capacity int, refillPerSecond float64) *TokenBucket {
	return &TokenBucket{
		capacity:        float64(capacity),
		tokens:          float64(capacity),
		refillPerSecond: refillPerSecond,
		lastRefill:      time.Now(),
	}
}

// PerMinute builds a bucket allowing n requests per minute with a burst of n.
func PerMinute(n int) *TokenBucket {
	if n <= 0 {
		n = 120
	}
	return NewTokenBucket(n, float64(n)/60)
}

func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillPerSecond
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}
		tb.mu.Lock()
		wait := time.Second
		if tb.refillPerSecond > 0 {
			wait = time.Duration((1 - tb.tokens) / tb.refillPerSecond * float64(time.Second))
		}
		tb.mu.Unlock()
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (tb *TokenBucket) GetRemaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	return int(tb.tokens)
}

// Unlimited never blocks.
type Unlimited struct{}

func (Unlimited) Wait(context.Context) error { return nil }
func (Unlimited) Allow() bool                { return true }
func (Unlimited) GetRemaining() int          { return int(^uint(0) >> 1) }

// Manager holds one limiter per endpoint group, falling back to a shared one.
type Manager struct {
	limiters map[string]RateLimiter
	fallback RateLimiter
	mu       sync.RWMutex
}

func NewManager(fallback RateLimiter) *Manager {
	if fallback == nil {
		fallback = Unlimited{}
	}
	return &Manager{limiters: make(map[string]RateLimiter), fallback: fallback}
}

// Set registers a limiter for an endpoint group such as "orders:post".
func (m *Manager) Set(group string, l RateLimiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[group] = l
}

func (m *Manager) limiter(group string) RateLimiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.limiters[group]; ok {
		return l
	}
	return m.fallback
}

// Wait waits on the group limiter and on the shared fallback.
func (m *Manager) Wait(ctx context.Context, group string) error {
	l := m.limiter(group)
	if l != m.fallback {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return m.fallback.Wait(ctx)
}
