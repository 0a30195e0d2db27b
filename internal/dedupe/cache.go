// ABOUTME: Thread-safe TTL cache with bounded size and oldest-first eviction
// ABOUTME: Used by the gatekeeper to replay decisions for retried request IDs

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the value, its write time and its list element.
type cacheEntry[V any] struct {
	value     V
	timestamp time.Time
	element   *list.Element
}

// Cache maps keys to values for at most ttl, holding at most maxSize entries.
// A doubly-linked list keeps write order for O(1) eviction.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry[V]
	order   *list.List // keys in write order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	return newCache[V](ttl, maxSize, time.Now)
}

func newCache[V any](ttl time.Duration, maxSize int, now func() time.Time) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[V]{
		entries: make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.timestamp) >= c.ttl {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// PutIfAbsent stores value unless a live entry exists, in which case the
// existing value is returned with loaded set. The check and the write are atomic.
func (c *Cache[V]) PutIfAbsent(key string, value V) (existing V, loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && c.now().Sub(entry.timestamp) < c.ttl {
		return entry.value, true
	}
	c.putLocked(key, value)
	return value, false
}

// Put stores value under key, refreshing its TTL. If the cache is at
// capacity the oldest entry is evicted to make room.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

// putLocked must be called with mu held.
func (c *Cache[V]) putLocked(key string, value V) {
	now := c.now()

	if entry, exists := c.entries[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry[V]{
		value:     value,
		timestamp: now,
		element:   elem,
	}
}

// Len reports the number of held entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictOldest must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache[V]) cleanup() {
	interval := time.Minute
	if c.ttl > 0 && c.ttl < interval {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (c *Cache[V]) runCleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
