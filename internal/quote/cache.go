package quote

import (
	"sync"
	"time"
)

// cacheEntry is one primary-tier entry. Between expiresAt and staleUntil the
// entry serves stale hits; past staleUntil it is dead.
type cacheEntry struct {
	value      *Result
	expiresAt  time.Time
	staleUntil time.Time
}

// hotEntry is one short-lived hot-tier entry.
type hotEntry struct {
	value     *Result
	expiresAt time.Time
}

// tieredCache is the process-local two-tier quote cache. The hot tier is a
// short-TTL front that short-circuits the primary lookup; the primary tier
// adds a stale-while-revalidate window.
type tieredCache struct {
	mu      sync.Mutex
	hot     map[string]hotEntry
	primary map[string]cacheEntry

	hotTTL   time.Duration
	ttl      time.Duration
	maxStale time.Duration
}

func newTieredCache(hotTTL, ttl, maxStale time.Duration) *tieredCache {
	return &tieredCache{
		hot:      make(map[string]hotEntry),
		primary:  make(map[string]cacheEntry),
		hotTTL:   hotTTL,
		ttl:      ttl,
		maxStale: maxStale,
	}
}

// getHot returns a live hot-tier entry, or nil.
func (c *tieredCache) getHot(key string) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.hot[key]
	if !ok {
		return nil
	}
	if time.Now().After(e.expiresAt) {
		delete(c.hot, key)
		return nil
	}
	return e.value.clone()
}

// getPrimary returns a primary-tier entry and whether it is stale. A dead
// entry is evicted and reported as a miss.
func (c *tieredCache) getPrimary(key string) (result *Result, stale bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.primary[key]
	if !ok {
		return nil, false
	}
	now := time.Now()
	if now.After(e.staleUntil) {
		delete(c.primary, key)
		return nil, false
	}
	return e.value.clone(), now.After(e.expiresAt)
}

// put writes a result to both tiers.
func (c *tieredCache) put(key string, r *Result) {
	stored := r.clone()
	stored.CacheHit = false
	stored.Stale = false

	now := time.Now()
	c.mu.Lock()
	c.hot[key] = hotEntry{value: stored, expiresAt: now.Add(c.hotTTL)}
	c.primary[key] = cacheEntry{
		value:      stored,
		expiresAt:  now.Add(c.ttl),
		staleUntil: now.Add(c.ttl + c.maxStale),
	}
	c.mu.Unlock()
}

// hotSize returns the number of live hot-tier entries, evicting dead ones.
func (c *tieredCache) hotSize() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.hot {
		if now.After(e.expiresAt) {
			delete(c.hot, k)
		}
	}
	return len(c.hot)
}
