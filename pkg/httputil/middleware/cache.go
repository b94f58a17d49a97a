package middleware

import (
	"sync"
	"time"
)

// sweepThreshold is the size above which Set drops expired items.
const sweepThreshold = 1024

// Cache is an in-memory map with per-item expiration.
type Cache[V any] struct {
	mu    sync.Mutex
	items map[string]cacheItem[V]
	now   func() time.Time
}

type cacheItem[V any] struct {
	value      V
	expiration time.Time
}

func NewCache[V any]() *Cache[V] {
	return &Cache[V]{items: make(map[string]cacheItem[V]), now: time.Now}
}

// Set stores value for duration.
func (c *Cache[V]) Set(key string, value V, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) >= sweepThreshold {
		c.cleanupLocked()
	}
	c.items[key] = cacheItem[V]{value: value, expiration: c.now().Add(duration)}
}

// Get returns an unexpired value.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, found := c.items[key]
	if !found || c.now().After(item.expiration) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return item.value, true
}

// Len returns the number of stored items, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// CleanupExpired removes expired items.
func (c *Cache[V]) CleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
}

func (c *Cache[V]) cleanupLocked() {
	now := c.now()
	for key, item := range c.items {
		if now.After(item.expiration) {
			delete(c.items, key)
		}
	}
}
