package sched

import "time"

// Cache maps an operation kind to its most recent successful payload.
// Each kind expires on its own TTL; an expired entry is removed on read.
//
// Not safe for concurrent use by contract: the owning call scheduler
// serializes access under its own lock.
type Cache struct {
	entries map[Kind]cacheEntry
	ttl     func(Kind) time.Duration
}

type cacheEntry struct {
	payload    any
	capturedAt time.Time
}

func NewCache() *Cache {
	return &Cache{
		entries: make(map[Kind]cacheEntry),
		ttl:     func(k Kind) time.Duration { return PolicyFor(k).TTL },
	}
}

// Get returns the cached payload for kind, or false if no entry exists or
// the entry has outlived its TTL. Expired entries are removed as a side
// effect so Len() reflects only live data.
func (c *Cache) Get(k Kind, now time.Time) (any, bool) {
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	ttl := c.ttl(k)
	if ttl <= 0 || now.Sub(e.capturedAt) > ttl {
		delete(c.entries, k)
		return nil, false
	}
	return e.payload, true
}

// Put stores (overwrites) the entry for kind. Kinds with a zero TTL are
// never stored.
func (c *Cache) Put(k Kind, payload any, now time.Time) {
	if c.ttl(k) <= 0 {
		return
	}
	c.entries[k] = cacheEntry{payload: payload, capturedAt: now}
}

// Invalidate drops the entry for one kind.
func (c *Cache) Invalidate(k Kind) {
	delete(c.entries, k)
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	clear(c.entries)
}

// Len reports the number of stored entries (live or not yet read-expired).
func (c *Cache) Len() int { return len(c.entries) }
