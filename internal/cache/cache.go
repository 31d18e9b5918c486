// ============================================================================
// scoreload chunk cache
// ============================================================================
//
// Package: internal/cache
// File: cache.go
// Purpose: short-lived, versioned store mapping a job id to its latest result
//
// Bounds:
//   - capacity: when a new key arrives at capacity, the entry with the oldest
//     WrittenAt is evicted first (oldest-write, not LRU)
//   - max age: checked lazily on Get; a stale entry is evicted and reported missing
//
// Versioning:
//   Every Set, including an overwrite of an existing key, takes the next value
//   of a counter owned by the cache. Only Clear resets it.
//
// ============================================================================

package cache

import (
	"sync"
	"time"

	"github.com/ChuLiYu/scoreload/pkg/types"
)

// Default bounds
const (
	DefaultCapacity = 10
	DefaultMaxAge   = 5 * time.Minute
)

// Config bounds a Cache.
type Config struct {
	Capacity int           // max entries, <= 0 uses DefaultCapacity
	MaxAge   time.Duration // max entry age, <= 0 uses DefaultMaxAge
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[types.JobID]types.CacheEntry
	version  uint64
	capacity int
	maxAge   time.Duration
	now      func() time.Time
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	c := &Cache{
		entries:  make(map[types.JobID]types.CacheEntry, cfg.Capacity),
		capacity: cfg.Capacity,
		maxAge:   cfg.MaxAge,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores entry under key with the next version and returns the stored copy.
// Version and WrittenAt on the argument are ignored.
func (c *Cache) Set(key types.JobID, entry types.CacheEntry) types.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}

	c.version++
	entry.Version = c.version
	entry.WrittenAt = c.now()
	entry.Metadata = entry.Metadata.Clone()
	c.entries[key] = entry

	return cloneEntry(entry)
}

// Get returns the entry for key unless it is missing or older than MaxAge.
// A stale entry is removed.
func (c *Cache) Get(key types.JobID) (types.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return types.CacheEntry{}, false
	}
	if c.now().Sub(entry.WrittenAt) > c.maxAge {
		delete(c.entries, key)
		return types.CacheEntry{}, false
	}
	return cloneEntry(entry), true
}

// Invalidate removes key and reports whether it was present.
func (c *Cache) Invalidate(key types.JobID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// Clear drops every entry and resets the version counter.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[types.JobID]types.CacheEntry, c.capacity)
	c.version = 0
}

// Len returns the number of stored entries, stale ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity returns the configured capacity.
func (c *Cache) Capacity() int { return c.capacity }

// MaxAge returns the configured max age.
func (c *Cache) MaxAge() time.Duration { return c.maxAge }

func (c *Cache) evictOldestLocked() {
	var (
		oldestKey types.JobID
		oldestAt  time.Time
		found     bool
	)
	for key, entry := range c.entries {
		// ties broken by version so eviction is deterministic
		if !found || entry.WrittenAt.Before(oldestAt) ||
			(entry.WrittenAt.Equal(oldestAt) && entry.Version < c.entries[oldestKey].Version) {
			oldestKey, oldestAt, found = key, entry.WrittenAt, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}

func cloneEntry(e types.CacheEntry) types.CacheEntry {
	e.Metadata = e.Metadata.Clone()
	return e
}
