// Package ratelimit provides per-scope token bucket admission throttling.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// Capacity is the maximum number of tokens in a bucket.
	Capacity float64 `yaml:"capacity"`
	// RefillPerSecond is the token refill rate.
	RefillPerSecond float64 `yaml:"refill_per_second"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:        20,
		RefillPerSecond: 1,
		Enabled:         true,
	}
}

// Bucket implements a token bucket for one scope. Refill happens lazily on
// acquisition based on elapsed time, so dormant scopes cost nothing. The
// refill-then-debit sequence is a single critical section per bucket.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	nowFunc    func() time.Time
}

// NewBucket creates a full token bucket.
func NewBucket(capacity, refillPerSecond float64) *Bucket {
	now := time.Now()
	return &Bucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: refillPerSecond,
		lastRefill: now,
		nowFunc:    time.Now,
	}
}

// SetNowFunc sets a custom time source for testing.
func (b *Bucket) SetNowFunc(fn func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nowFunc = fn
	b.lastRefill = fn()
}

// TryAcquire attempts to debit cost tokens. It refills first based on
// elapsed time, then debits. Returns false without side effects when the
// bucket holds fewer than cost tokens.
func (b *Bucket) TryAcquire(cost float64) bool {
	if cost <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= cost {
		b.tokens -= cost
		return true
	}
	return false
}

// Tokens returns the current token count after a refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// refill adds tokens for elapsed time. Caller must hold the lock.
func (b *Bucket) refill() {
	now := b.nowFunc()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Limiter manages token buckets keyed by scope (user, chat, bot instance).
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	config  Config
	maxKeys int
	nowFunc func() time.Time
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		buckets: make(map[string]*Bucket),
		config:  config,
		maxKeys: 10000,
		nowFunc: time.Now,
	}
}

// SetNowFunc sets a custom time source for testing. It applies to buckets
// created afterwards.
func (l *Limiter) SetNowFunc(fn func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nowFunc = fn
	for _, b := range l.buckets {
		b.SetNowFunc(fn)
	}
}

// TryAcquire attempts to debit cost tokens from the scope's bucket.
func (l *Limiter) TryAcquire(scope string, cost float64) bool {
	if !l.config.Enabled {
		return true
	}
	return l.getBucket(scope).TryAcquire(cost)
}

// Tokens returns the current token count for a scope.
func (l *Limiter) Tokens(scope string) float64 {
	return l.getBucket(scope).Tokens()
}

// Reset drops the bucket for a scope; the next acquisition starts full.
func (l *Limiter) Reset(scope string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, scope)
}

func (l *Limiter) getBucket(scope string) *Bucket {
	l.mu.RLock()
	bucket, exists := l.buckets[scope]
	l.mu.RUnlock()

	if exists {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if bucket, exists = l.buckets[scope]; exists {
		return bucket
	}

	if len(l.buckets) >= l.maxKeys {
		l.prune()
	}

	bucket = NewBucket(l.config.Capacity, l.config.RefillPerSecond)
	bucket.nowFunc = l.nowFunc
	bucket.lastRefill = l.nowFunc()
	l.buckets[scope] = bucket
	return bucket
}

// prune drops buckets that are nearly full; those scopes are idle and lose
// nothing by starting over. Caller must hold the write lock.
func (l *Limiter) prune() {
	for scope, bucket := range l.buckets {
		if bucket.Tokens() >= bucket.capacity*0.9 {
			delete(l.buckets, scope)
		}
	}
}

// ScopeKey builds a rate limit scope key from parts.
func ScopeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
