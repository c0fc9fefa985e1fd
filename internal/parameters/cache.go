package parameters

import (
	"sync"
	"time"
)

// Cache stores generated parameters per organization.
// Implementations must be safe for concurrent use and never expose a partially written entry.
type Cache interface {
	Get(organizationID string, now time.Time) (Parameters, bool)
	Set(organizationID string, params Parameters, expiresAt time.Time)
	Delete(organizationID string)
	Clear()
	Len() int
	Prune(now time.Time) int
}

type cacheEntry struct {
	params    Parameters
	expiresAt time.Time
}

// MemoryCache is a per-process TTL cache. Entries are stale for at most one TTL after a config
// change on another instance; the engine also drops entries whose config version moved.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewMemoryCache constructs an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry)}
}

// Get returns an unexpired entry.
func (c *MemoryCache) Get(organizationID string, now time.Time) (Parameters, bool) {
	c.mu.RLock()
	entry, ok := c.entries[organizationID]
	c.mu.RUnlock()
	if !ok || !now.Before(entry.expiresAt) {
		return Parameters{}, false
	}
	return entry.params.Clone(), true
}

// Set stores params until expiresAt.
func (c *MemoryCache) Set(organizationID string, params Parameters, expiresAt time.Time) {
	entry := cacheEntry{params: params.Clone(), expiresAt: expiresAt}
	c.mu.Lock()
	c.entries[organizationID] = entry
	c.mu.Unlock()
}

// Delete drops one entry.
func (c *MemoryCache) Delete(organizationID string) {
	c.mu.Lock()
	delete(c.entries, organizationID)
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len returns the number of entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Prune removes expired entries and reports how many were dropped.
func (c *MemoryCache) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

var _ Cache = (*MemoryCache)(nil)
