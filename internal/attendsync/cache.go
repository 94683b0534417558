package attendsync

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a TTL+LRU keyed cache with dependency-based invalidation. Read
// paths use it to avoid repeating provider and store lookups within a run.
// Entries expire individually; capacity pressure evicts least-recently-used
// entries first and never touches a valid entry otherwise.
type Cache[V any] struct {
	lru        *expirable.LRU[string, *cacheEntry[V]]
	defaultTTL time.Duration

	depMu sync.Mutex
	byDep map[string]map[string]struct{}

	hits   atomic.Uint64
	misses atomic.Uint64
	sets   atomic.Uint64
}

type cacheEntry[V any] struct {
	data         V
	timestamp    time.Time
	ttl          time.Duration
	accessCount  atomic.Uint64
	lastAccess   atomic.Int64
	dependencies []string
}

type CacheStats struct {
	Size    int     `json:"size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Sets    uint64  `json:"sets"`
	HitRate float64 `json:"hitRate"`
}

func NewCache[V any](capacity int, defaultTTL time.Duration) *Cache[V] {
	if capacity <= 0 {
		capacity = 256
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	c := &Cache[V]{
		defaultTTL: defaultTTL,
		byDep:      map[string]map[string]struct{}{},
	}
	// The LRU-level TTL is an upper bound; entries asking for a shorter TTL
	// are enforced on Get. Eviction and expiry both flow through onEvict so
	// the dependency index never leaks keys.
	c.lru = expirable.NewLRU[string, *cacheEntry[V]](capacity, c.onEvict, defaultTTL)
	return c
}

func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	entry, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	if time.Since(entry.timestamp) >= entry.ttl {
		c.lru.Remove(key)
		c.misses.Add(1)
		return zero, false
	}
	entry.accessCount.Add(1)
	entry.lastAccess.Store(time.Now().UnixNano())
	c.hits.Add(1)
	return entry.data, true
}

func (c *Cache[V]) Set(key string, value V, dependencies ...string) {
	c.SetWithTTL(key, value, c.defaultTTL, dependencies...)
}

func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration, dependencies ...string) {
	if ttl <= 0 || ttl > c.defaultTTL {
		ttl = c.defaultTTL
	}
	entry := &cacheEntry[V]{
		data:         value,
		timestamp:    time.Now(),
		ttl:          ttl,
		dependencies: append([]string(nil), dependencies...),
	}
	entry.lastAccess.Store(entry.timestamp.UnixNano())
	c.sets.Add(1)
	// Add may evict; onEvict takes depMu, so register dependencies after.
	c.lru.Add(key, entry)
	if len(dependencies) == 0 {
		return
	}
	c.depMu.Lock()
	defer c.depMu.Unlock()
	for _, dep := range dependencies {
		keys, ok := c.byDep[dep]
		if !ok {
			keys = map[string]struct{}{}
			c.byDep[dep] = keys
		}
		keys[key] = struct{}{}
	}
}

func (c *Cache[V]) Delete(key string) {
	c.lru.Remove(key)
}

// InvalidateDependency drops every entry tagged with the given dependency.
// Callers invalidate by upstream resource (e.g. an event ID) after a write.
func (c *Cache[V]) InvalidateDependency(dep string) int {
	c.depMu.Lock()
	keys := make([]string, 0, len(c.byDep[dep]))
	for key := range c.byDep[dep] {
		keys = append(keys, key)
	}
	c.depMu.Unlock()

	removed := 0
	for _, key := range keys {
		if c.lru.Remove(key) {
			removed++
		}
	}
	return removed
}

func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

func (c *Cache[V]) Purge() {
	c.lru.Purge()
}

func (c *Cache[V]) Stats() CacheStats {
	stats := CacheStats{
		Size:   c.lru.Len(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Sets:   c.sets.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

func (c *Cache[V]) onEvict(key string, entry *cacheEntry[V]) {
	if len(entry.dependencies) == 0 {
		return
	}
	c.depMu.Lock()
	defer c.depMu.Unlock()
	for _, dep := range entry.dependencies {
		if keys, ok := c.byDep[dep]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byDep, dep)
			}
		}
	}
}
