// Package models provides the value objects shared by the cache, processor and
// automation packages.
//
// Design Notes:
//   - Entries are mutated only by the cache that owns them, under the cache lock
//   - Timestamps are passed in explicitly so callers can drive a simulated clock
//   - A zero TTL means the entry never expires
package models

import (
	"time"
)

// DefaultFallbackSize is the size assumed for a value whose size cannot be estimated.
const DefaultFallbackSize = 1024

// Result is the mapping a content handler produces and the cache stores.
type Result = map[string]any

// CacheEntry is a cached value with access tracking and an optional TTL.
type CacheEntry struct {
	Value        any           `json:"value"`
	CreatedAt    time.Time     `json:"created_at"`
	LastAccessed time.Time     `json:"last_accessed"`
	AccessCount  int64         `json:"access_count"`
	SizeBytes    int           `json:"size_bytes"`
	TTL          time.Duration `json:"ttl"`
}

// NewCacheEntry creates an entry created and last accessed at now.
func NewCacheEntry(value any, sizeBytes int, ttl time.Duration, now time.Time) *CacheEntry {
	return &CacheEntry{
		Value:        value,
		CreatedAt:    now,
		LastAccessed: now,
		SizeBytes:    sizeBytes,
		TTL:          ttl,
	}
}

// IsExpired reports whether the entry is older than its TTL at now.
// Complexity: O(1)
func (e *CacheEntry) IsExpired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > e.TTL
}

// ExpiresAt returns the absolute expiration time, or the zero time if the entry never expires.
func (e *CacheEntry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.CreatedAt.Add(e.TTL)
}

// Touch records an access. It never extends the TTL.
func (e *CacheEntry) Touch(now time.Time) {
	e.LastAccessed = now
	e.AccessCount++
}

// CacheStats aggregates cache counters.
type CacheStats struct {
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	Puts            int64   `json:"puts"`
	Deletes         int64   `json:"deletes"`
	Evictions       int64   `json:"evictions"`
	Expired         int64   `json:"expired"`
	Clears          int64   `json:"clears"`
	CurrentSize     int     `json:"current_size"`
	CurrentMemoryMB float64 `json:"current_memory_mb"`
}

// TotalRequests returns hits plus misses.
func (s CacheStats) TotalRequests() int64 {
	return s.Hits + s.Misses
}

// HitRate returns the hit rate as a percentage in [0, 100].
func (s CacheStats) HitRate() float64 {
	total := s.TotalRequests()
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// EntrySummary describes one cache entry for diagnostics.
type EntrySummary struct {
	Key         string    `json:"key"`
	AccessCount int64     `json:"access_count"`
	CreatedAt   time.Time `json:"created_at"`
	SizeBytes   int       `json:"size_bytes"`
}
