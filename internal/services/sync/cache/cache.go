// Package cache keeps a lookaside read cache coherent with the event stream.
// The cache is never the system of record: every entry carries a bounded TTL
// so a missed invalidation heals on its own.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Entry is one cached aggregate snapshot.
type Entry struct {
	Key       string
	Payload   []byte
	ExpiresAt time.Time
}

// Cache is the minimal surface the coordinator needs from a cache backend.
type Cache interface {
	Get(key string) (Entry, bool)
	Put(key string, payload []byte, ttl time.Duration)
	Delete(key string)
}

// EntryKey builds the cache key for one aggregate.
func EntryKey(tenantID, aggregateType, aggregateID string) string {
	return strings.TrimSpace(tenantID) + ":" + strings.TrimSpace(aggregateType) + ":" + strings.TrimSpace(aggregateID)
}

// MemoryCache is an in-process TTL cache with lazy expiry.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryCache builds an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Entry)}
}

// Get returns a live entry. Expired entries are dropped on read.
func (c *MemoryCache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		c.Delete(key)
		return Entry{}, false
	}
	return entry, true
}

// Put stores an entry. A non-positive ttl stores nothing.
func (c *MemoryCache) Put(key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = Entry{
		Key:       key,
		Payload:   payload,
		ExpiresAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()
}

// Delete removes an entry. Deleting a missing key is a no-op.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
