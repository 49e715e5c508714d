package api

import (
	"encoding/json"
	"sync"
	"time"
)

// cacheValidity bounds how old a cached response may be before it stops
// serving as a fallback for a failed endpoint.
const cacheValidity = 10 * time.Minute

// responseCache keeps the most recent successful response per endpoint.
// One entry per endpoint, overwritten on every success.
type responseCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	data json.RawMessage
	at   time.Time
}

func newResponseCache(ttl time.Duration) *responseCache {
	if ttl <= 0 {
		ttl = cacheValidity
	}
	return &responseCache{ttl: ttl, entries: make(map[string]cacheEntry, 8)}
}

// get returns the cached response for an endpoint if one exists and is still
// inside the validity window.
func (c *responseCache) get(endpoint string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[endpoint]
	if !ok {
		return nil, false
	}
	if time.Since(e.at) >= c.ttl {
		delete(c.entries, endpoint)
		return nil, false
	}
	return e.data, true
}

func (c *responseCache) put(endpoint string, data json.RawMessage) {
	c.mu.Lock()
	c.entries[endpoint] = cacheEntry{data: data, at: time.Now()}
	c.mu.Unlock()
}

func (c *responseCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry, 8)
	c.mu.Unlock()
}
