package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultLRUSize = 64

// LRUCache is a bounded in-process cache with per-entry expiry. The least
// recently read entry is evicted first.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	index    map[string]*list.Element
	recency  *list.List // front is most recent
	hits     uint64
	misses   uint64
	now      func() time.Time
}

type lruEntry struct {
	key     string
	value   []byte
	expires time.Time // zero never expires
}

// Stats is a point-in-time view of an LRUCache.
type Stats struct {
	Size     int
	Capacity int
	Hits     uint64
	Misses   uint64
}

// HitRatio returns hits / (hits + misses), 0 before any lookup.
func (s Stats) HitRatio() float64 {
	if total := s.Hits + s.Misses; total > 0 {
		return float64(s.Hits) / float64(total)
	}
	return 0
}

// NewLRUCache creates a cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = defaultLRUSize
	}
	return &LRUCache{
		capacity: capacity,
		index:    make(map[string]*list.Element),
		recency:  list.New(),
		now:      time.Now,
	}
}

func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.live(key)
	if e == nil {
		c.misses++
		return nil, nil
	}
	c.hits++
	c.recency.MoveToFront(e)
	return e.Value.(*lruEntry).value, nil
}

func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := &lruEntry{key: key, value: value}
	if ttl > 0 {
		entry.expires = c.now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.index[key]; ok {
		e.Value = entry
		c.recency.MoveToFront(e)
		return nil
	}
	c.index[key] = c.recency.PushFront(entry)
	for c.recency.Len() > c.capacity {
		c.drop(c.recency.Back())
	}
	return nil
}

func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.index[key]; ok {
		c.drop(e)
	}
	return nil
}

func (c *LRUCache) Ping(ctx context.Context) error { return nil }

// Close empties the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.index)
	c.recency.Init()
	return nil
}

func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:     c.recency.Len(),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
	}
}

// live returns the element for key, dropping it first if it has expired.
// Callers hold c.mu.
func (c *LRUCache) live(key string) *list.Element {
	e, ok := c.index[key]
	if !ok {
		return nil
	}
	if exp := e.Value.(*lruEntry).expires; !exp.IsZero() && c.now().After(exp) {
		c.drop(e)
		return nil
	}
	return e
}

func (c *LRUCache) drop(e *list.Element) {
	c.recency.Remove(e)
	delete(c.index, e.Value.(*lruEntry).key)
}
