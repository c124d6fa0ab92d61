package cache

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxEntries bounds the entry count independently of the byte budget.
const maxEntries = 1 << 16

// Key identifies an encoded chunk payload by content.
type Key struct {
	Checksum uint64
	Size     uint32
}

// Stats reports cache effectiveness. Evictions counts entries dropped to
// make room for new ones; Remove and Purge are not evictions.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
	SizeBytes int64
	MaxBytes  int64
}

// Cache is a size-bounded LRU of encoded chunk payloads.
// A nil *Cache is valid and caches nothing.
//
// Callers must not modify slices passed to Put or returned by Get.
type Cache struct {
	lru      *lru.Cache[Key, []byte]
	maxBytes int64

	// mu serializes Put so eviction accounting stays consistent.
	mu        sync.Mutex
	size      atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a cache holding at most maxBytes of payload.
func New(maxBytes int64) (*Cache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache: size must be positive, got %d", maxBytes)
	}
	c := &Cache{maxBytes: maxBytes}
	l, err := lru.NewWithEvict(maxEntries, func(_ Key, value []byte) {
		c.size.Add(-int64(len(value)))
	})
	if err != nil {
		return nil, fmt.Errorf("cache: create lru: %w", err)
	}
	c.lru = l
	return c, nil
}

// Get returns the cached payload for k.
func (c *Cache) Get(k Key) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.lru.Get(k)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return v, true
}

// Put stores data under k, evicting least recently used payloads to stay
// within the byte budget. Payloads larger than the budget are not cached.
func (c *Cache) Put(k Key, data []byte) {
	if c == nil {
		return
	}
	n := int64(len(data))
	if n > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Contains(k) {
		return
	}
	for c.size.Load()+n > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		c.evictions.Add(1)
	}
	c.size.Add(n)
	if c.lru.Add(k, data) {
		c.evictions.Add(1)
	}
}

// Remove drops k from the cache.
func (c *Cache) Remove(k Key) {
	if c == nil {
		return
	}
	c.lru.Remove(k)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.lru.Len(),
		SizeBytes: c.size.Load(),
		MaxBytes:  c.maxBytes,
	}
}
