// Package cache provides a small tenant-scoped TTL cache for values
// that are expensive to recompute within one sync window, such as
// dedup configurations and field mappings. Callers own their cache
// instances; nothing here is global.
package cache

import (
	"sync"
	"time"
)

// Cache is a TTL map keyed by (tenant, key). Expired entries are
// dropped lazily on read and during Set sweeps.
type Cache[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry[V]
	now     func() time.Time

	sweepEvery int
	writes     int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a cache with the given TTL.
func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		ttl:        ttl,
		entries:    make(map[string]entry[V]),
		now:        time.Now,
		sweepEvery: 256,
	}
}

// SetClock overrides the wall clock. Tests only.
func (c *Cache[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func cacheKey(tenantID, key string) string {
	return tenantID + "\x1f" + key
}

// Get returns the cached value when present and unexpired.
func (c *Cache[V]) Get(tenantID, key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[cacheKey(tenantID, key)]
	now := c.now()
	c.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}
	if now.After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, cacheKey(tenantID, key))
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores a value under the cache TTL.
func (c *Cache[V]) Set(tenantID, key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey(tenantID, key)] = entry[V]{
		value:     value,
		expiresAt: c.now().Add(c.ttl),
	}

	c.writes++
	if c.writes >= c.sweepEvery {
		c.writes = 0
		c.sweepLocked()
	}
}

// Invalidate drops one entry, for callers that know the underlying
// data changed before the TTL elapsed.
func (c *Cache[V]) Invalidate(tenantID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(tenantID, key))
}

// InvalidateTenant drops every entry belonging to one tenant.
func (c *Cache[V]) InvalidateTenant(tenantID string) {
	prefix := tenantID + "\x1f"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[V]) sweepLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
