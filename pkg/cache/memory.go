package cache

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process LRU with per-entry expiry. The LRU's own
// TTL is the configured default and bounds how long any entry can live.
type MemoryCache struct {
	entries *lru.LRU[string, memoryEntry]
	stats   counters
	now     func() time.Time
}

// NewMemoryCache creates a memory cache sized by cfg.MaxEntries
func NewMemoryCache(cfg Config) *MemoryCache {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultConfig().MaxEntries
	}

	return &MemoryCache{
		entries: lru.NewLRU[string, memoryEntry](maxEntries, nil, cfg.DefaultTTL),
		now:     time.Now,
	}
}

// WithClock replaces the clock used for per-entry expiry
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

// Get implements Cache
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	entry, ok := c.entries.Get(key)
	if !ok {
		c.stats.recordMiss()
		return nil, ErrCacheMiss
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		c.entries.Remove(key)
		c.stats.recordMiss()
		return nil, ErrCacheMiss
	}

	c.stats.recordHit()
	return entry.value, nil
}

// Set implements Cache
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries.Add(key, entry)
	return nil
}

// Delete implements Cache
func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		c.entries.Remove(key)
	}
	return nil
}

// DeletePrefix implements Cache
func (c *MemoryCache) DeletePrefix(_ context.Context, prefix string) error {
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
		}
	}
	return nil
}

// Len returns the number of stored entries, expired ones included
func (c *MemoryCache) Len() int {
	return c.entries.Len()
}

// Stats implements Cache
func (c *MemoryCache) Stats() Stats {
	return c.stats.snapshot()
}

// Close implements Cache
func (c *MemoryCache) Close() error {
	c.entries.Purge()
	return nil
}
