// Package cachemanager implements the in-memory LRU/TTL cache and the two-tier
// content cache (memory hot tier over a sharded on-disk cold tier).
//
// Design Choices:
//   - A single sync.Mutex guards the entry map and the recency list. Every
//     operation, including Get, mutates recency state, so a RWMutex buys nothing.
//   - Recency is kept in a container/list: the front is most recently used,
//     the back is the eviction candidate. Moving on access is O(1).
//   - Both an entry-count and a byte budget are enforced after every put.
//   - TTL is fixed at insertion. Reads never extend it.
//   - Expired entries are removed lazily on read and by a periodic sweep, so
//     cold keys that are never read again still release memory.
//
// Performance Characteristics:
//   - Get/Put/Delete: O(1) average
//   - Eviction: O(1) per evicted entry
//   - CleanupExpired: O(n) over live entries
//   - Size estimation: O(size of value) for the default JSON estimator
package cachemanager

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartpaste/smartpaste/pkg/models"
	"github.com/smartpaste/smartpaste/pkg/pubsub"
)

var (
	// ErrNotFound is returned by a ColdStore when no entry exists for a hash.
	ErrNotFound = errors.New("cache entry not found")

	// ErrCorruptEntry is returned by a ColdStore when an entry cannot be decoded.
	ErrCorruptEntry = errors.New("cache entry corrupt")
)

const (
	// DefaultCleanupInterval is how often expired entries are swept.
	DefaultCleanupInterval = 60 * time.Second

	bytesPerMB = 1024 * 1024
)

// Config sizes an LRUCache.
type Config struct {
	// MaxSize is the maximum number of entries. Must be positive.
	MaxSize int

	// MaxMemoryBytes is the byte budget across all entries. Must be positive.
	MaxMemoryBytes int

	// DefaultTTL applies to puts without an explicit TTL. Zero means no expiry.
	DefaultTTL time.Duration

	// CleanupInterval is the expiry sweep period. Zero uses
	// DefaultCleanupInterval, negative disables the background sweep.
	CleanupInterval time.Duration
}

// Option customizes an LRUCache.
type Option func(*LRUCache)

// WithClock overrides the time source used for TTL and access tracking.
func WithClock(now func() time.Time) Option {
	return func(c *LRUCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSizeEstimator replaces the JSON-length size estimator.
func WithSizeEstimator(fn SizeEstimator) Option {
	return func(c *LRUCache) {
		if fn != nil {
			c.sizeOf = fn
		}
	}
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *LRUCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCleanupEvents publishes a CacheCleanupEvent under name after every
// sweep that removed at least one entry.
func WithCleanupEvents(topic *pubsub.Topic[*pubsub.CacheCleanupEvent], name string) Option {
	return func(c *LRUCache) {
		c.events = topic
		c.name = name
	}
}

type lruEntry struct {
	key     string
	entry   *models.CacheEntry
	element *list.Element
}

type cacheMetrics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	puts      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
	clears    atomic.Int64
}

// LRUCache is a bounded, thread-safe key/value cache with LRU eviction,
// a byte budget and per-entry TTL.
type LRUCache struct {
	mu          sync.Mutex
	entries     map[string]*lruEntry
	order       *list.List
	memoryBytes int

	config  Config
	now     func() time.Time
	sizeOf  SizeEstimator
	logger  *slog.Logger
	metrics cacheMetrics

	events *pubsub.Topic[*pubsub.CacheCleanupEvent]
	name   string

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLRUCache creates a cache and starts its background expiry sweep.
// Call Close to stop the sweep.
func NewLRUCache(cfg Config, opts ...Option) *LRUCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1
	}
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = models.DefaultFallbackSize
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	c := &LRUCache{
		entries:  make(map[string]*lruEntry),
		order:    list.New(),
		config:   cfg,
		now:      time.Now,
		sizeOf:   DefaultSizeEstimator,
		logger:   slog.Default(),
		name:     "lru",
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.CleanupInterval > 0 {
		c.wg.Add(1)
		go c.runCleanup(cfg.CleanupInterval)
	}
	return c
}

// Get returns the value for key if present and not expired.
// A hit refreshes recency and access tracking; a miss on an expired entry removes it.
// Complexity: O(1) average.
func (c *LRUCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	le, ok := c.entries[key]
	if !ok {
		c.metrics.misses.Add(1)
		return nil, false
	}

	now := c.now()
	if le.entry.IsExpired(now) {
		c.removeUnsafe(le)
		c.metrics.expired.Add(1)
		c.metrics.misses.Add(1)
		return nil, false
	}

	le.entry.Touch(now)
	c.order.MoveToFront(le.element)
	c.metrics.hits.Add(1)
	return le.entry.Value, true
}

// Put stores value under key with the default TTL.
// It returns false if the value alone exceeds the byte budget.
func (c *LRUCache) Put(key string, value any) bool {
	return c.PutWithTTL(key, value, c.config.DefaultTTL)
}

// PutWithTTL stores value under key with an explicit TTL (zero means no expiry).
func (c *LRUCache) PutWithTTL(key string, value any, ttl time.Duration) bool {
	return c.PutSized(key, value, c.estimate(value), ttl)
}

// PutSized stores value with a caller-supplied size in bytes, skipping estimation.
// Complexity: O(1) plus O(k) for k evictions.
func (c *LRUCache) PutSized(key string, value any, sizeBytes int, ttl time.Duration) bool {
	if sizeBytes < 0 {
		sizeBytes = models.DefaultFallbackSize
	}
	if sizeBytes > c.config.MaxMemoryBytes {
		c.logger.Warn("cache item exceeds memory budget",
			"cache", c.name,
			"key", key,
			"size_bytes", sizeBytes,
			"max_memory_bytes", c.config.MaxMemoryBytes,
		)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeUnsafe(old)
	}

	le := &lruEntry{
		key:   key,
		entry: models.NewCacheEntry(value, sizeBytes, ttl, c.now()),
	}
	le.element = c.order.PushFront(le)
	c.entries[key] = le
	c.memoryBytes += sizeBytes
	c.metrics.puts.Add(1)

	c.enforceLimitsUnsafe()
	return true
}

// Delete removes key. It returns true if the key was present.
func (c *LRUCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	le, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeUnsafe(le)
	c.metrics.deletes.Add(1)
	return true
}

// Clear removes every entry.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*lruEntry)
	c.order = list.New()
	c.memoryBytes = 0
	c.metrics.clears.Add(1)
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MemoryBytes returns the summed size of all entries.
func (c *LRUCache) MemoryBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memoryBytes
}

// Keys returns all keys from most to least recently used.
func (c *LRUCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*lruEntry).key)
	}
	return keys
}

// CleanupExpired removes every expired entry and returns how many were removed.
// Complexity: O(n).
func (c *LRUCache) CleanupExpired() int {
	c.mu.Lock()
	now := c.now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		le := el.Value.(*lruEntry)
		if le.entry.IsExpired(now) {
			c.removeUnsafe(le)
			removed++
		}
		el = prev
	}
	remaining := len(c.entries)
	c.mu.Unlock()

	if removed > 0 {
		c.metrics.expired.Add(int64(removed))
		c.logger.Debug("expired cache entries removed", "cache", c.name, "removed", removed)
		c.publishCleanup(removed, remaining, now)
	}
	return removed
}

// Stats returns a snapshot of the counters and current occupancy.
func (c *LRUCache) Stats() models.CacheStats {
	c.mu.Lock()
	size := len(c.entries)
	mem := c.memoryBytes
	c.mu.Unlock()

	return models.CacheStats{
		Hits:            c.metrics.hits.Load(),
		Misses:          c.metrics.misses.Load(),
		Puts:            c.metrics.puts.Load(),
		Deletes:         c.metrics.deletes.Load(),
		Evictions:       c.metrics.evictions.Load(),
		Expired:         c.metrics.expired.Load(),
		Clears:          c.metrics.clears.Load(),
		CurrentSize:     size,
		CurrentMemoryMB: float64(mem) / bytesPerMB,
	}
}

// CacheInfo is a diagnostic view of an LRUCache.
type CacheInfo struct {
	Stats          models.CacheStats     `json:"stats"`
	Size           int                   `json:"size"`
	MaxSize        int                   `json:"max_size"`
	MemoryBytes    int                   `json:"memory_bytes"`
	MaxMemoryBytes int                   `json:"max_memory_bytes"`
	MemoryMB       float64               `json:"memory_mb"`
	MaxMemoryMB    float64               `json:"max_memory_mb"`
	HitRate        float64               `json:"hit_rate"`
	DefaultTTL     time.Duration         `json:"default_ttl"`
	TopEntries     []models.EntrySummary `json:"top_entries"`
}

const topEntriesLimit = 5

// Info returns stats plus the most accessed entries.
func (c *LRUCache) Info() CacheInfo {
	stats := c.Stats()

	c.mu.Lock()
	top := make([]models.EntrySummary, 0, len(c.entries))
	for key, le := range c.entries {
		top = append(top, models.EntrySummary{
			Key:         key,
			AccessCount: le.entry.AccessCount,
			CreatedAt:   le.entry.CreatedAt,
			SizeBytes:   le.entry.SizeBytes,
		})
	}
	mem := c.memoryBytes
	size := len(c.entries)
	c.mu.Unlock()

	sort.Slice(top, func(i, j int) bool {
		if top[i].AccessCount != top[j].AccessCount {
			return top[i].AccessCount > top[j].AccessCount
		}
		return top[i].Key < top[j].Key
	})
	if len(top) > topEntriesLimit {
		top = top[:topEntriesLimit]
	}

	return CacheInfo{
		Stats:          stats,
		Size:           size,
		MaxSize:        c.config.MaxSize,
		MemoryBytes:    mem,
		MaxMemoryBytes: c.config.MaxMemoryBytes,
		MemoryMB:       float64(mem) / bytesPerMB,
		MaxMemoryMB:    float64(c.config.MaxMemoryBytes) / bytesPerMB,
		HitRate:        stats.HitRate(),
		DefaultTTL:     c.config.DefaultTTL,
		TopEntries:     top,
	}
}

// Close stops the background sweep. It is safe to call more than once.
func (c *LRUCache) Close() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
}

// enforceLimitsUnsafe evicts from the LRU end until both budgets hold.
// Must be called with c.mu held.
func (c *LRUCache) enforceLimitsUnsafe() {
	for len(c.entries) > c.config.MaxSize || c.memoryBytes > c.config.MaxMemoryBytes {
		oldest := c.order.Back()
		if oldest == nil {
			return
		}
		le := oldest.Value.(*lruEntry)
		c.removeUnsafe(le)
		c.metrics.evictions.Add(1)
		c.logger.Debug("cache entry evicted", "cache", c.name, "key", le.key)
	}
}

// removeUnsafe unlinks an entry and releases its bytes.
// Must be called with c.mu held.
func (c *LRUCache) removeUnsafe(le *lruEntry) {
	c.order.Remove(le.element)
	delete(c.entries, le.key)
	c.memoryBytes -= le.entry.SizeBytes
}

func (c *LRUCache) estimate(value any) int {
	return safeEstimate(c.sizeOf, value, c.logger)
}

func (c *LRUCache) publishCleanup(removed, remaining int, at time.Time) {
	if c.events == nil {
		return
	}
	_, err := c.events.Publish(context.Background(), &pubsub.CacheCleanupEvent{
		Version:   pubsub.EventVersion1,
		Cache:     c.name,
		Removed:   removed,
		Remaining: remaining,
		CleanedAt: at,
		RequestID: pubsub.NewRequestID(),
	})
	if err != nil {
		c.logger.Warn("failed to publish cleanup event", "cache", c.name, "error", err)
	}
}

// runCleanup periodically removes expired entries.
func (c *LRUCache) runCleanup(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.CleanupExpired()
		}
	}
}
