// Package ratelimit provides keyed token-bucket limiting on top of
// golang.org/x/time/rate.
//
// Each key (a rule id, an alert name) owns an independent bucket. Limits are
// supplied per call, so a key whose configured limit changes gets its bucket
// reconfigured in place instead of being reset.
//
// Design Notes:
//   - Buckets are created lazily on first use, full
//   - Time is read from an injectable clock so hourly caps can be tested
//   - No background goroutines; stale keys are dropped by EvictStale
//
// Algorithm:
//   - A cap of n per hour is a bucket of burst n refilled at n/hour
//   - This admits at most n events in any burst and 2n-1 in a sliding hour at
//     worst, which is the accepted approximation of a strict hourly window
//
// Complexity:
//   - Allow(): O(1) under a single mutex
//   - Memory: O(N) where N = number of live keys
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Option configures a KeyedLimiter.
type Option func(*KeyedLimiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(k *KeyedLimiter) {
		if now != nil {
			k.now = now
		}
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// KeyedLimiter holds one token bucket per key.
//
// Thread Safety: All methods are safe for concurrent use.
type KeyedLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// New creates an empty limiter.
func New(opts ...Option) *KeyedLimiter {
	k := &KeyedLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Allow consumes one token from key's bucket configured with limit and burst.
// It returns false when the bucket is empty or the key is blank.
func (k *KeyedLimiter) Allow(key string, limit rate.Limit, burst int) bool {
	if key == "" || burst <= 0 {
		return false
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	b := k.bucketUnsafe(key, limit, burst, now)
	b.lastUsed = now
	return b.limiter.AllowN(now, 1)
}

// AllowPerHour enforces a cap of n events per hour for key.
// A non-positive n means unlimited.
func (k *KeyedLimiter) AllowPerHour(key string, n int) bool {
	if n <= 0 {
		return true
	}
	return k.Allow(key, PerHour(n), n)
}

// Tokens reports the tokens currently available for key, or -1 if the key
// has no bucket yet.
func (k *KeyedLimiter) Tokens(key string) float64 {
	k.mu.Lock()
	defer k.mu.Unlock()

	b, ok := k.buckets[key]
	if !ok {
		return -1
	}
	return b.limiter.TokensAt(k.now())
}

// Reset drops key's bucket so the next call starts full.
func (k *KeyedLimiter) Reset(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.buckets, key)
}

// EvictStale drops buckets unused for longer than idle and returns how many were removed.
func (k *KeyedLimiter) EvictStale(idle time.Duration) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	threshold := k.now().Add(-idle)
	evicted := 0
	for key, b := range k.buckets {
		if b.lastUsed.Before(threshold) {
			delete(k.buckets, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of live buckets.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// bucketUnsafe returns key's bucket, creating or reconfiguring it.
// Caller must hold k.mu.
func (k *KeyedLimiter) bucketUnsafe(key string, limit rate.Limit, burst int, now time.Time) *bucket {
	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(limit, burst)}
		k.buckets[key] = b
		return b
	}

	if b.limiter.Limit() != limit {
		b.limiter.SetLimitAt(now, limit)
	}
	if b.limiter.Burst() != burst {
		b.limiter.SetBurstAt(now, burst)
	}
	return b
}

// PerHour converts n events per hour into a rate.Limit.
func PerHour(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Every(time.Hour / time.Duration(n))
}

func (k *KeyedLimiter) String() string {
	return fmt.Sprintf("KeyedLimiter{keys=%d}", k.Len())
}
