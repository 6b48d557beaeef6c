// Package cache provides the read caches of an embergraph store.
//
// A store keeps four independent tiers, each a bounded LRU:
//   - nodes by id
//   - adjacency lists by (node, direction, relationship type)
//   - index lookups by index key
//   - compiled query plans by fingerprint
//
// Caches only ever hold committed state. The transaction manager calls
// Manager.InvalidateBatch with every committed batch while it still holds
// the commit lock, and read-through fills are refused when an invalidation
// happened since the read began, so a stale value can never be installed
// after the write that made it stale.
//
// Usage:
//
//	caches := cache.NewManager(cache.DefaultConfig())
//	reader := cache.NewCachedReader(engine, caches)
//
//	n, err := reader.GetNode(id) // miss: engine read + fill
//	n, err = reader.GetNode(id)  // hit
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/embergraph/pkg/metrics"
)

// LRU is a thread-safe least-recently-used cache tier.
//
// The cache uses:
//   - Hash map for O(1) lookups
//   - Doubly-linked list for LRU ordering
//   - Optional TTL for automatic expiration
//
// A tier with capacity <= 0 is disabled: every Get misses and Put is a
// no-op.
type LRU[K comparable, V any] struct {
	mu sync.Mutex

	// Configuration
	name     string
	capacity int
	ttl      time.Duration
	now      func() time.Time

	// LRU list and map
	list  *list.List
	items map[K]*list.Element

	// epoch advances on every invalidation; fills carry the epoch they
	// were read under (see PutIfEpoch).
	epoch uint64

	// Statistics
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	metrics   *metrics.Metrics
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// NewLRU creates a tier. name labels its statistics and metrics; ttl 0
// disables expiration.
func NewLRU[K comparable, V any](name string, capacity int, ttl time.Duration) *LRU[K, V] {
	return &LRU[K, V]{
		name:     name,
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		list:     list.New(),
		items:    make(map[K]*list.Element),
	}
}

// WithMetrics reports hits, misses and evictions to m.
func (c *LRU[K, V]) WithMetrics(m *metrics.Metrics) *LRU[K, V] {
	c.metrics = m
	return c
}

// Name returns the tier name.
func (c *LRU[K, V]) Name() string { return c.name }

// Get returns the cached value and moves it to the front.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	var zero V
	c.mu.Lock()
	elem, ok := c.items[key]
	if ok {
		e := elem.Value.(*entry[K, V])
		if c.ttl > 0 && c.now().After(e.expiresAt) {
			c.removeElement(elem)
			ok = false
		} else {
			c.list.MoveToFront(elem)
			zero = e.value
		}
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		c.metrics.CacheMiss(c.name)
		return zero, false
	}
	c.hits.Add(1)
	c.metrics.CacheHit(c.name)
	return zero, true
}

// Put adds or replaces a value. When the tier is full the least recently
// used entry is evicted first.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

// Epoch returns the current invalidation epoch. Read it before reading the
// backing store and hand it to PutIfEpoch.
func (c *LRU[K, V]) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// PutIfEpoch stores value only if no invalidation happened since epoch was
// read. It reports whether the value was stored.
func (c *LRU[K, V]) PutIfEpoch(key K, value V, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return false
	}
	return c.putLocked(key, value)
}

func (c *LRU[K, V]) putLocked(key K, value V) bool {
	if c.capacity <= 0 {
		return false
	}
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[K, V])
		e.value = value
		e.expiresAt = expiresAt
		c.list.MoveToFront(elem)
		return true
	}

	for c.list.Len() >= c.capacity {
		c.evictOldest()
	}
	elem := c.list.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = elem
	return true
}

// Invalidate removes key.
func (c *LRU[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// InvalidateFunc removes every key for which match returns true.
func (c *LRU[K, V]) InvalidateFunc(match func(K) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	for key, elem := range c.items {
		if match(key) {
			c.removeElement(elem)
		}
	}
}

// Clear removes all entries.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.list.Init()
	c.items = make(map[K]*list.Element)
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats returns tier statistics.
func (c *LRU[K, V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return Stats{
		Tier:      c.name,
		Size:      c.Len(),
		Capacity:  c.capacity,
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		HitRate:   hitRate,
	}
}

// Stats holds cache performance statistics for one tier.
type Stats struct {
	Tier      string  `json:"tier"`
	Size      int     `json:"size"`      // Current number of entries
	Capacity  int     `json:"capacity"`  // Maximum entries
	Hits      uint64  `json:"hits"`      // Number of cache hits
	Misses    uint64  `json:"misses"`    // Number of cache misses
	Evictions uint64  `json:"evictions"` // Capacity evictions
	HitRate   float64 `json:"hit_rate"`  // Hit rate percentage (0-100)
}

// evictOldest removes the least recently used entry.
// Caller must hold the lock.
func (c *LRU[K, V]) evictOldest() {
	elem := c.list.Back()
	if elem == nil {
		return
	}
	c.removeElement(elem)
	c.evictions.Add(1)
	c.metrics.CacheEviction(c.name)
}

// removeElement removes an element from the cache.
// Caller must hold the lock.
func (c *LRU[K, V]) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*entry[K, V]).key)
}
