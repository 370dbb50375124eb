// Package ratelimit implements one continuously-refilling token bucket per
// provider.
//
// Grounded on the teacher's internal/net/ratelimit (Limiter/Manager
// wrapping golang.org/x/time/rate per host); adapted from per-host to
// per-provider keying and from an Allow()/Wait() contract to the spec's
// explicit try_acquire(n) -> (ok, retry_after) contract, which x/time/rate's
// Reservation type gives us directly via Delay().
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a single provider's token bucket.
type Bucket struct {
	limiter *rate.Limiter
	burst   int
}

// NewBucket builds a bucket that holds at most maxTokens and refills at
// refillPerWindow tokens every window.
func NewBucket(maxTokens float64, refillPerWindow float64, window time.Duration) *Bucket {
	perSecond := refillPerWindow / window.Seconds()
	burst := int(maxTokens)
	if burst < 1 {
		burst = 1
	}
	return &Bucket{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		burst:   burst,
	}
}

// TryAcquire attempts to take n tokens without blocking. If granted, ok is
// true and retryAfter is zero. Otherwise ok is false and retryAfter is how
// long the caller would have had to wait.
func (b *Bucket) TryAcquire(n int) (ok bool, retryAfter time.Duration) {
	if n <= 0 {
		n = 1
	}
	r := b.limiter.ReserveN(time.Now(), n)
	if !r.OK() {
		// n exceeds burst capacity; this request can never be granted.
		return false, 0
	}
	delay := r.Delay()
	if delay <= 0 {
		return true, 0
	}
	r.Cancel()
	return false, delay
}

// Tokens reports the current token count, for metrics gauges.
func (b *Bucket) Tokens() float64 {
	return b.limiter.TokensAt(time.Now())
}

// ForceEmpty drains the bucket immediately. Used when an upstream returns
// 429 so the next caller doesn't repeat the mistake before the provider has
// had a chance to recover.
func (b *Bucket) ForceEmpty() {
	b.limiter.ReserveN(time.Now(), b.burst)
}

// Manager owns one Bucket per provider ID.
type Manager struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
}

// NewManager creates an empty bucket manager.
func NewManager() *Manager {
	return &Manager{buckets: make(map[string]*Bucket)}
}

// Register installs a bucket for providerID, replacing any existing one.
func (m *Manager) Register(providerID string, maxTokens, refillPerWindow float64, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[providerID] = NewBucket(maxTokens, refillPerWindow, window)
}

// GetOrRegister returns providerID's existing bucket, or installs and
// returns a new one built from maxTokens/refillPerWindow/window if none
// exists yet. Unlike Register, it never resets a bucket that already has
// state, which matters for callers (like a per-client edge limiter) that
// look the key up on every request.
func (m *Manager) GetOrRegister(providerID string, maxTokens, refillPerWindow float64, window time.Duration) *Bucket {
	m.mu.RLock()
	b, exists := m.buckets[providerID]
	m.mu.RUnlock()
	if exists {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, exists := m.buckets[providerID]; exists {
		return b
	}
	b = NewBucket(maxTokens, refillPerWindow, window)
	m.buckets[providerID] = b
	return b
}

// TryAcquire takes n tokens from providerID's bucket. A provider with no
// registered bucket is always allowed (unmetered).
func (m *Manager) TryAcquire(providerID string, n int) (ok bool, retryAfter time.Duration) {
	m.mu.RLock()
	b, exists := m.buckets[providerID]
	m.mu.RUnlock()
	if !exists {
		return true, 0
	}
	return b.TryAcquire(n)
}

// ForceEmpty drains providerID's bucket, if one is registered.
func (m *Manager) ForceEmpty(providerID string) {
	m.mu.RLock()
	b, exists := m.buckets[providerID]
	m.mu.RUnlock()
	if exists {
		b.ForceEmpty()
	}
}

// Tokens reports providerID's current token count, or -1 if unregistered.
func (m *Manager) Tokens(providerID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, exists := m.buckets[providerID]
	if !exists {
		return -1
	}
	return b.Tokens()
}
