// Package cache provides the TTL key-value store used to memoize
// authorization decisions.
//
// Two backends are available: MemoryCache, an in-process expirable LRU
// suited to a single replica, and RedisCache, which lets several
// replicas share decisions and invalidations.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var (
	// ErrCacheMiss is returned by Get when the key is absent or expired
	ErrCacheMiss = errors.New("cache miss")
	// ErrInvalidKey is returned for empty keys
	ErrInvalidKey = errors.New("invalid cache key")
)

// Cache is a TTL key-value store. Values are opaque bytes.
type Cache interface {
	// Get returns the value for key or ErrCacheMiss
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key for ttl
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the given keys; missing keys are ignored
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix
	DeletePrefix(ctx context.Context, prefix string) error
	// Stats returns hit/miss counters
	Stats() Stats
	// Close releases backend resources
	Close() error
}

// Backend names accepted by New
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config selects and sizes a cache backend
type Config struct {
	Backend    string
	DefaultTTL time.Duration
	MaxEntries int

	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
	KeyPrefix     string
}

// DefaultConfig returns an in-memory cache holding decisions for 30 minutes
func DefaultConfig() Config {
	return Config{
		Backend:    BackendMemory,
		DefaultTTL: 30 * time.Minute,
		MaxEntries: 100000,
		RedisDB:    0,
		KeyPrefix:  "authz:",
	}
}

// New builds the backend named by cfg.Backend
func New(ctx context.Context, cfg Config) (Cache, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryCache(cfg), nil
	case BackendRedis:
		return NewRedisCache(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Stats holds cache statistics
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) recordHit()  { c.hits.Add(1) }
func (c *counters) recordMiss() { c.misses.Add(1) }

func (c *counters) snapshot() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{Hits: hits, Misses: misses, HitRate: rate}
}
