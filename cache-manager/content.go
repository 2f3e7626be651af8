package cachemanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/smartpaste/smartpaste/pkg/models"
	"github.com/smartpaste/smartpaste/pkg/pubsub"
	"github.com/smartpaste/smartpaste/pkg/utils"
)

const (
	// DefaultContentTTL is how long a handler result stays valid.
	DefaultContentTTL = 24 * time.Hour

	// hotTierDivisor sizes the hot tier as a fraction of MaxEntries.
	hotTierDivisor = 10
)

// ContentCacheConfig sizes a ContentHashCache.
type ContentCacheConfig struct {
	// Dir is the cold tier root directory.
	Dir string

	// MaxEntries bounds the logical cache; the hot tier holds MaxEntries/10.
	MaxEntries int

	// MaxMemoryBytes is the hot tier byte budget.
	MaxMemoryBytes int

	// TTL applies to both tiers. Zero uses DefaultContentTTL.
	TTL time.Duration

	// CleanupInterval is the hot tier sweep period (see Config.CleanupInterval).
	CleanupInterval time.Duration
}

// ComputeFunc produces a handler result for content on a cache miss.
// A nil or empty result means "not applicable" and is not cached.
type ComputeFunc func(ctx context.Context) (models.Result, error)

// ContentHashCache caches handler results keyed by the SHA-256 of the content.
//
// Lookups check the in-memory hot tier first, then the cold tier. Cold hits are
// promoted into the hot tier for the rest of their TTL. Expired or corrupt
// cold entries are deleted on read and never surface as errors.
type ContentHashCache struct {
	hot    *LRUCache
	cold   ColdStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
	group  singleflight.Group
	events *pubsub.Topic[*pubsub.CacheCleanupEvent]

	coldHits   atomic.Int64
	coldMisses atomic.Int64
	coldErrors atomic.Int64
}

// ContentOption customizes a ContentHashCache.
type ContentOption func(*contentOptions)

type contentOptions struct {
	cold    ColdStore
	lruOpts []Option
	now     func() time.Time
	logger  *slog.Logger
	events  *pubsub.Topic[*pubsub.CacheCleanupEvent]
}

// WithColdStore replaces the DiskStore rooted at Dir.
func WithColdStore(store ColdStore) ContentOption {
	return func(o *contentOptions) { o.cold = store }
}

// WithContentClock sets the time source for both tiers.
func WithContentClock(now func() time.Time) ContentOption {
	return func(o *contentOptions) {
		o.now = now
		o.lruOpts = append(o.lruOpts, WithClock(now))
	}
}

// WithContentLogger sets the logger for both tiers.
func WithContentLogger(logger *slog.Logger) ContentOption {
	return func(o *contentOptions) {
		o.logger = logger
		o.lruOpts = append(o.lruOpts, WithLogger(logger))
	}
}

// WithHotTierOptions passes options through to the hot tier LRUCache.
func WithHotTierOptions(opts ...Option) ContentOption {
	return func(o *contentOptions) { o.lruOpts = append(o.lruOpts, opts...) }
}

// WithContentEvents publishes cleanup events for both tiers on topic.
func WithContentEvents(topic *pubsub.Topic[*pubsub.CacheCleanupEvent]) ContentOption {
	return func(o *contentOptions) {
		o.events = topic
		o.lruOpts = append(o.lruOpts, WithCleanupEvents(topic, "content.hot"))
	}
}

// NewContentHashCache creates the two tiers.
func NewContentHashCache(cfg ContentCacheConfig, opts ...ContentOption) (*ContentHashCache, error) {
	o := contentOptions{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	if o.cold == nil {
		store, err := NewDiskStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		o.cold = store
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultContentTTL
	}

	hotSize := cfg.MaxEntries / hotTierDivisor
	if hotSize < 1 {
		hotSize = 1
	}

	hot := NewLRUCache(Config{
		MaxSize:         hotSize,
		MaxMemoryBytes:  cfg.MaxMemoryBytes,
		DefaultTTL:      ttl,
		CleanupInterval: cfg.CleanupInterval,
	}, append([]Option{WithCleanupEvents(nil, "content.hot")}, o.lruOpts...)...)

	return &ContentHashCache{
		hot:    hot,
		cold:   o.cold,
		ttl:    ttl,
		now:    o.now,
		logger: o.logger,
		events: o.events,
	}, nil
}

// Hot returns the hot tier.
func (c *ContentHashCache) Hot() *LRUCache {
	return c.hot
}

// GetProcessedResult returns the cached result for content, if any.
func (c *ContentHashCache) GetProcessedResult(content string) (models.Result, bool) {
	return c.lookup(utils.ContentHash(content))
}

func (c *ContentHashCache) lookup(hash string) (models.Result, bool) {
	if v, ok := c.hot.Get(hash); ok {
		if result, ok := v.(models.Result); ok {
			return result, true
		}
	}

	rec, err := c.cold.Get(hash)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
		case errors.Is(err, ErrCorruptEntry):
			c.logger.Warn("removing corrupt cache entry", "content_hash", hash, "error", err)
			c.deleteCold(hash)
		default:
			c.coldErrors.Add(1)
			c.logger.Error("failed to read cache entry", "content_hash", hash, "error", err)
		}
		c.coldMisses.Add(1)
		return nil, false
	}

	age := c.now().Sub(rec.CachedAt)
	if age > c.ttl {
		c.logger.Debug("removing expired cache entry", "content_hash", hash, "age", age)
		c.deleteCold(hash)
		c.coldMisses.Add(1)
		return nil, false
	}

	c.coldHits.Add(1)
	if remaining := c.ttl - age; remaining > 0 {
		c.hot.PutWithTTL(hash, rec.Result, remaining)
	}
	return rec.Result, true
}

// CacheProcessedResult stores result for content in both tiers.
// It returns false if the cold tier write failed.
func (c *ContentHashCache) CacheProcessedResult(content string, result models.Result) bool {
	_, ok := c.store(utils.ContentHash(content), result)
	return ok
}

// store writes the JSON form of result to both tiers so a hot hit and a
// cold hit return the same value types. It returns that form.
func (c *ContentHashCache) store(hash string, result models.Result) (models.Result, bool) {
	stored, err := normalizeResult(result)
	if err != nil {
		c.coldErrors.Add(1)
		c.logger.Error("failed to encode cache entry", "content_hash", hash, "error", err)
		return result, false
	}

	c.hot.Put(hash, stored)

	err = c.cold.Set(&DiskRecord{
		ContentHash: hash,
		CachedAt:    c.now(),
		Result:      stored,
	})
	if err != nil {
		c.coldErrors.Add(1)
		c.logger.Error("failed to persist cache entry", "content_hash", hash, "error", err)
		return stored, false
	}
	return stored, true
}

// GetOrCompute returns the cached result for content or computes, caches and
// returns it. Concurrent calls for identical content share one computation.
// The bool reports whether the result came from the cache.
func (c *ContentHashCache) GetOrCompute(ctx context.Context, content string, fn ComputeFunc) (models.Result, bool, error) {
	hash := utils.ContentHash(content)
	if result, ok := c.lookup(hash); ok {
		return result, true, nil
	}

	ch := c.group.DoChan(hash, func() (any, error) {
		result, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if len(result) > 0 {
			result, _ = c.store(hash, result)
		}
		return result, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, fmt.Errorf("compute content result: %w", res.Err)
		}
		result, _ := res.Val.(models.Result)
		return result, false, nil
	}
}

// CleanupExpired deletes cold entries older than the TTL or unreadable, and
// returns how many files were removed.
func (c *ContentHashCache) CleanupExpired() int {
	now := c.now()
	removed := 0
	remaining := 0

	err := c.cold.Walk(func(hash string, rec *DiskRecord, err error) error {
		if err != nil || now.Sub(rec.CachedAt) > c.ttl {
			if delErr := c.cold.Delete(hash); delErr != nil {
				c.logger.Warn("failed to remove cache entry", "content_hash", hash, "error", delErr)
				remaining++
				return nil
			}
			removed++
			return nil
		}
		remaining++
		return nil
	})
	if err != nil {
		c.logger.Error("cache sweep failed", "error", err)
	}

	if removed > 0 {
		c.logger.Info("expired cache files removed", "removed", removed, "remaining", remaining)
		if c.events != nil {
			if _, err := c.events.Publish(context.Background(), &pubsub.CacheCleanupEvent{
				Version:   pubsub.EventVersion1,
				Cache:     "content.disk",
				Removed:   removed,
				Remaining: remaining,
				CleanedAt: now,
				RequestID: pubsub.NewRequestID(),
			}); err != nil {
				c.logger.Warn("failed to publish cleanup event", "error", err)
			}
		}
	}
	return removed
}

// Clear empties both tiers and returns the number of cold entries removed.
func (c *ContentHashCache) Clear() (int, error) {
	c.hot.Clear()

	removed := 0
	var firstErr error
	err := c.cold.Walk(func(hash string, _ *DiskRecord, _ error) error {
		if err := c.cold.Delete(hash); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, err
	}
	return removed, firstErr
}

// ContentCacheInfo describes both tiers.
type ContentCacheInfo struct {
	Hot        CacheInfo     `json:"hot"`
	Dir        string        `json:"dir,omitempty"`
	DiskFiles  int           `json:"disk_files"`
	DiskBytes  int64         `json:"disk_bytes"`
	DiskMB     float64       `json:"disk_mb"`
	TTL        time.Duration `json:"ttl"`
	ColdHits   int64         `json:"cold_hits"`
	ColdMisses int64         `json:"cold_misses"`
	ColdErrors int64         `json:"cold_errors"`
}

// Info reports hot tier stats and cold tier usage.
func (c *ContentHashCache) Info() ContentCacheInfo {
	info := ContentCacheInfo{
		Hot:        c.hot.Info(),
		TTL:        c.ttl,
		ColdHits:   c.coldHits.Load(),
		ColdMisses: c.coldMisses.Load(),
		ColdErrors: c.coldErrors.Load(),
	}
	if ds, ok := c.cold.(*DiskStore); ok {
		info.Dir = ds.Root()
	}

	files, size, err := c.cold.Usage()
	if err != nil {
		c.logger.Warn("failed to measure cache dir", "error", err)
	}
	info.DiskFiles = files
	info.DiskBytes = size
	info.DiskMB = float64(size) / bytesPerMB
	return info
}

// Stats returns hot tier counters with cold hits counted as hits. Unlike
// Info it does not touch the disk.
func (c *ContentHashCache) Stats() models.CacheStats {
	stats := c.hot.Stats()
	coldHits := c.coldHits.Load()
	stats.Hits += coldHits
	stats.Misses = max(stats.Misses-coldHits, 0)
	return stats
}

// Close stops the hot tier sweep.
func (c *ContentHashCache) Close() {
	c.hot.Close()
}

func (c *ContentHashCache) deleteCold(hash string) {
	if err := c.cold.Delete(hash); err != nil {
		c.logger.Warn("failed to remove cache entry", "content_hash", hash, "error", err)
	}
}
