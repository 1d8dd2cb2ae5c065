// Package cache provides the pluggable cache capability and the
// in-process implementation the core ships with. Backends with their
// own processes (Redis and friends) implement the same interface
// outside this repository.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is a key/value store with per-entry expiry. Implementations
// must be safe for concurrent use.
type Cache interface {
	// Get returns the value if present and not expired.
	Get(ctx context.Context, key string) (any, bool)
	// Set stores a value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	// Delete removes a key. Absent keys are a no-op.
	Delete(ctx context.Context, key string)
}

type memoryEntry struct {
	value     any
	expiresAt time.Time
}

func (e *memoryEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// MemoryCache is a thread-safe in-memory cache. Expired entries are
// cleaned up lazily on Get() — no background goroutine.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*memoryEntry)}
}

// Get returns the cached value if present and not expired.
func (c *MemoryCache) Get(_ context.Context, key string) (any, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if entry.expired() {
		// Expired — clean up lazily.
		// Re-check under write lock: a concurrent Set() may have replaced
		// the entry with a fresh one between RUnlock and Lock.
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && current.expired() {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.value, true
}

// Set stores a value with its expiry.
func (c *MemoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) {
	entry := &memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Delete removes a key.
func (c *MemoryCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
