package cache

import (
	"container/list"
	"sync"
	"time"

	"memograph/internal/config"
	"memograph/internal/logging"
	"memograph/internal/types"
)

// =============================================================================
// CONTEXT CACHE
// =============================================================================

// entry is one cached context keyed by request fingerprint.
type entry struct {
	key            string
	value          *types.ContextResult
	contributingID map[string]bool
	createdAt      time.Time
	lastAccessedAt time.Time
}

// Stats are the cache's observability counters.
type Stats struct {
	Size          int     `json:"size"`
	MaxEntries    int     `json:"max_entries"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Evictions     int64   `json:"evictions"`
	Invalidations int64   `json:"invalidations"`
	HitRate       float64 `json:"hit_rate"`
}

// ContextCache is an LRU+TTL cache over assembled contexts. All mutation
// happens under one exclusive lock; every operation is O(1) expected.
type ContextCache struct {
	mu      sync.Mutex
	cfg     config.CacheConfig
	order   *list.List // front = most recently used
	entries map[string]*list.Element

	hits          int64
	misses        int64
	evictions     int64
	invalidations int64
}

// NewContextCache builds a cache with the given configuration.
func NewContextCache(cfg config.CacheConfig) *ContextCache {
	return &ContextCache{
		cfg:     cfg,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Get returns the cached context for key, or nil on miss. A hit moves the
// entry to the most-recently-used position; an expired entry is deleted and
// reported as a miss. A disabled cache always misses.
func (c *ContextCache) Get(key string) *types.ContextResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.Enabled {
		c.misses++
		return nil
	}

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil
	}

	e := el.Value.(*entry)
	if time.Since(e.createdAt) > time.Duration(c.cfg.TTLMs)*time.Millisecond {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		logging.CacheDebug("Cache entry %.12s expired", key)
		return nil
	}

	c.order.MoveToFront(el)
	e.lastAccessedAt = time.Now()
	c.hits++
	return e.value
}

// Set stores a context under key, recording the memory ids that contributed
// to it. When the cache is full the LRU entry is evicted first. A disabled
// cache is a no-op.
func (c *ContextCache) Set(key string, value *types.ContextResult, contributingIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.Enabled {
		return
	}

	ids := make(map[string]bool, len(contributingIDs))
	for _, id := range contributingIDs {
		ids[id] = true
	}

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.contributingID = ids
		e.createdAt = time.Now()
		e.lastAccessedAt = e.createdAt
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.cfg.MaxEntries {
		c.evictLRULocked()
	}

	now := time.Now()
	el := c.order.PushFront(&entry{
		key:            key,
		value:          value,
		contributingID: ids,
		createdAt:      now,
		lastAccessedAt: now,
	})
	c.entries[key] = el
}

// evictLRULocked removes the least recently used entry.
func (c *ContextCache) evictLRULocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	e := back.Value.(*entry)
	c.order.Remove(back)
	delete(c.entries, e.key)
	c.evictions++
	logging.CacheDebug("Evicted LRU cache entry %.12s", e.key)
}

// InvalidateByMemoryID removes every entry whose contributing memory-id set
// contains id. When more than half the cache would be invalidated, the whole
// cache is cleared instead: at that fraction a full clear is cheaper and
// leaves no room for missed entries. Returns the number of entries removed.
func (c *ContextCache) InvalidateByMemoryID(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.Enabled || len(c.entries) == 0 {
		return 0
	}

	var matched []*list.Element
	for el := c.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*entry).contributingID[id] {
			matched = append(matched, el)
		}
	}
	if len(matched) == 0 {
		return 0
	}

	if float64(len(matched)) > 0.5*float64(len(c.entries)) {
		removed := len(c.entries)
		c.order.Init()
		c.entries = make(map[string]*list.Element)
		c.invalidations += int64(removed)
		logging.Cache("Memory %s touched %d/%d cached contexts; cleared cache", id, len(matched), removed)
		return removed
	}

	for _, el := range matched {
		e := el.Value.(*entry)
		c.order.Remove(el)
		delete(c.entries, e.key)
	}
	c.invalidations += int64(len(matched))
	logging.CacheDebug("Invalidated %d cached contexts for memory %s", len(matched), id)
	return len(matched)
}

// Reconfigure applies a new cache configuration. Shrinking maxEntries evicts
// oldest entries until the cache fits.
func (c *ContextCache) Reconfigure(cfg config.CacheConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg = cfg
	if !cfg.Enabled {
		c.order.Init()
		c.entries = make(map[string]*list.Element)
		return
	}
	for len(c.entries) > cfg.MaxEntries {
		c.evictLRULocked()
	}
}

// Reset clears all entries and counters.
func (c *ContextCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.hits, c.misses, c.evictions, c.invalidations = 0, 0, 0, 0
}

// Size returns the current entry count.
func (c *ContextCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters. HitRate is 0 until the cache has
// seen at least one get.
func (c *ContextCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:          len(c.entries),
		MaxEntries:    c.cfg.MaxEntries,
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Invalidations: c.invalidations,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
