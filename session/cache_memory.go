package session

import (
	"sync"
	"time"
)

// MemoryCache is a thread-safe in-memory Cache. Entries are lost on
// restart, so logouts are forgotten too; use PersistentCache when that
// matters.
type MemoryCache struct {
	mu   sync.RWMutex
	data map[string]Entry
	now  func() time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an in-memory cache. A nil now uses time.Now.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{data: make(map[string]Entry), now: now}
}

func (c *MemoryCache) Get(tokenID string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.data[tokenID]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if c.now().After(e.ExpiresAt) {
		c.Delete(tokenID)
		return Entry{}, false
	}
	return e, true
}

func (c *MemoryCache) Put(tokenID string, e Entry) {
	c.mu.Lock()
	c.data[tokenID] = e
	c.mu.Unlock()
}

func (c *MemoryCache) Delete(tokenID string) {
	c.mu.Lock()
	delete(c.data, tokenID)
	c.mu.Unlock()
}

func (c *MemoryCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, e := range c.data {
		if now.After(e.ExpiresAt) {
			delete(c.data, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of cached entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
