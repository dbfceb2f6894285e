package authn

import (
	"sync"
	"time"
)

// ttlCache is a bounded process-wide cache for introspection results. Entries
// expire individually; when the cache is full, the insert evicts whatever
// expires soonest.
type ttlCache struct {
	mu      sync.Mutex
	entries map[string]ttlEntry
	max     int
}

type ttlEntry struct {
	value     *Introspection
	raw       map[string]any
	expiresAt time.Time
}

func newTTLCache(max int) *ttlCache {
	return &ttlCache{entries: make(map[string]ttlEntry), max: max}
}

func (c *ttlCache) get(key string) (*Introspection, map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, nil, false
	}
	return e.value, e.raw, true
}

func (c *ttlCache) put(key string, v *Introspection, raw map[string]any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) >= c.max {
		var victim string
		var soonest time.Time
		for k, e := range c.entries {
			if victim == "" || e.expiresAt.Before(soonest) {
				victim, soonest = k, e.expiresAt
			}
		}
		delete(c.entries, victim)
	}
	c.entries[key] = ttlEntry{value: v, raw: raw, expiresAt: now.Add(ttl)}
}
