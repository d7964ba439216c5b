package sqltpl

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheShards   = 16
	defaultCacheCapacity = 256
)

// Cache is a sharded LRU of parsed templates keyed by the verbatim query
// text. Shards lock independently, so lookups of unrelated queries never
// contend. Entries are never invalidated, only evicted.
//
// A Cache must be used with a single Settings value: the key does not
// include the settings the template was parsed with.
type Cache struct {
	shards []*cacheShard
	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheShard struct {
	mu  sync.RWMutex
	lru *lru.Cache[string, *Root]
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// NewCache creates a cache with the given shard count and per-shard
// capacity. Non-positive values fall back to 16 shards of 256 entries.
func NewCache(shards, capacity int) *Cache {
	if shards <= 0 {
		shards = defaultCacheShards
	}
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	c := &Cache{shards: make([]*cacheShard, shards)}
	for i := range c.shards {
		l, _ := lru.New[string, *Root](capacity) // only fails on size <= 0
		c.shards[i] = &cacheShard{lru: l}
	}
	return c
}

func (c *Cache) shard(query string) *cacheShard {
	return c.shards[xxhash.Sum64String(query)%uint64(len(c.shards))]
}

// Get returns the cached template for query, if any.
func (c *Cache) Get(query string) (*Root, bool) {
	sh := c.shard(query)
	sh.mu.RLock()
	root, ok := sh.lru.Get(query)
	sh.mu.RUnlock()
	return root, ok
}

// GetOrParse returns the cached template for query, parsing and inserting
// it on a miss. Parse errors are returned and not cached.
func (c *Cache) GetOrParse(query string, s Settings) (*Root, error) {
	sh := c.shard(query)

	// Fast path: shared lock
	sh.mu.RLock()
	if root, ok := sh.lru.Get(query); ok {
		sh.mu.RUnlock()
		c.hits.Add(1)
		return root, nil
	}
	sh.mu.RUnlock()

	// Slow path: exclusive per shard, double-checked
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if root, ok := sh.lru.Get(query); ok {
		c.hits.Add(1)
		return root, nil
	}
	c.misses.Add(1)
	root, err := Parse(query, s)
	if err != nil {
		return nil, err
	}
	sh.lru.Add(query, root)
	return root, nil
}

// Len returns the number of cached templates.
func (c *Cache) Len() int {
	n := 0
	for _, sh := range c.shards {
		n += sh.lru.Len()
	}
	return n
}

// Purge drops every entry and resets the counters.
func (c *Cache) Purge() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		sh.lru.Purge()
		sh.mu.Unlock()
	}
	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats returns the current counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: c.Len()}
}
