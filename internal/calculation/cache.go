package calculation

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// CacheStats summarises cache usage over a pass.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Cache memoizes calculation results for the lifetime of one evaluation
// pass. It is safe for concurrent use; concurrent requests for the same key
// share a single computation. Failed computations are not cached.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]ResultMap
	flight  singleflight.Group

	calls  atomic.Int64
	misses atomic.Int64
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]ResultMap)}
}

// GetOrCompute returns the cached result for key or runs compute once to
// produce it. The boolean reports whether the value came from the cache
// (including waiting on another caller's in-flight computation).
func (c *Cache) GetOrCompute(key string, compute func() (ResultMap, error)) (ResultMap, bool, error) {
	c.calls.Add(1)

	c.mu.RLock()
	rm, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return rm, true, nil
	}

	computed := false
	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		rm, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return rm, nil
		}

		computed = true
		c.misses.Add(1)
		rm, err := compute()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = rm
		c.mu.Unlock()
		return rm, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(ResultMap), !computed, nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() CacheStats {
	misses := c.misses.Load()
	return CacheStats{Hits: c.calls.Load() - misses, Misses: misses}
}
