// Package cache provides a thread-safe keyed cache with optional per-entry
// expiration.
package cache

import (
	"sort"
	"sync"
	"time"
)

type entry[V any] struct {
	value  V
	stored time.Time
}

// Cache is a concurrent map from K to V. When ttl is positive, entries older
// than ttl are treated as missing; a zero ttl keeps entries until they are
// deleted or the cache is cleared.
type Cache[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]entry[V]
	ttl  time.Duration
	now  func() time.Time
}

// New creates an empty cache.
func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		data: make(map[K]entry[V]),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Get retrieves a live value.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.data[key]
	if !ok || c.expiredLocked(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, replacing any previous entry.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.data == nil {
		c.data = make(map[K]entry[V])
	}
	c.data[key] = entry[V]{value: value, stored: c.clock()}
}

// GetOrSet returns the live value for key if present. Otherwise it stores
// value and returns it. loaded reports whether an existing value was returned.
func (c *Cache[K, V]) GetOrSet(key K, value V) (actual V, loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.data == nil {
		c.data = make(map[K]entry[V])
	}
	if e, ok := c.data[key]; ok && !c.expiredLocked(e) {
		return e.value, true
	}
	c.data[key] = entry[V]{value: value, stored: c.clock()}
	return value, false
}

// Delete removes key and returns the value it held, if live.
func (c *Cache[K, V]) Delete(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	delete(c.data, key)
	if !ok || c.expiredLocked(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetAll returns a copy of all live entries. The returned map is safe to modify.
func (c *Cache[K, V]) GetAll() map[K]V {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[K]V, len(c.data))
	for k, e := range c.data {
		if !c.expiredLocked(e) {
			result[k] = e.value
		}
	}
	return result
}

// Drain removes every entry and returns the live values, oldest first.
func (c *Cache[K, V]) Drain() []V {
	c.mu.Lock()
	entries := make([]entry[V], 0, len(c.data))
	for _, e := range c.data {
		if !c.expiredLocked(e) {
			entries = append(entries, e)
		}
	}
	c.data = make(map[K]entry[V])
	c.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].stored.Before(entries[j].stored)
	})
	out := make([]V, len(entries))
	for i, e := range entries {
		out[i] = e.value
	}
	return out
}

// Invalidate clears all cached data.
func (c *Cache[K, V]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[K]entry[V])
}

// Len returns the number of stored entries, including expired ones that have
// not been evicted yet.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// expiredLocked MUST be called with at least a read lock held.
func (c *Cache[K, V]) expiredLocked(e entry[V]) bool {
	return c.ttl > 0 && c.clock().Sub(e.stored) >= c.ttl
}

func (c *Cache[K, V]) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}
