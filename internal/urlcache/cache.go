// Package urlcache holds signed URLs keyed by object key so the same key is
// not re-signed inside its TTL window. The cache is advisory, a miss always
// degrades to a fresh signing call, and the persisted form can be dropped at
// any time.
package urlcache

import (
	"sort"
	"sync"
	"time"
)

// Entry is one cached signed URL.
type Entry struct {
	URL       string
	ExpiresAt time.Time
}

// Metrics is the subset of server metrics the cache reports into.
type Metrics interface {
	IncCacheHit()
	IncCacheMiss()
	AddCacheEvicted(reason string, n int)
	SetCacheEntries(n int)
}

// Options configure the cache.
type Options struct {
	// MaxEntries is the ceiling enforced by LimitSize. Zero disables the cap.
	MaxEntries int
	Metrics    Metrics
	Now        func() time.Time
}

// Cache is a mutex-guarded expiry-aware map of object key to signed URL.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry
	max     int
	metrics Metrics
	now     func() time.Time
}

func New(opts Options) *Cache {
	c := &Cache{
		entries: make(map[string]Entry),
		max:     opts.MaxEntries,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Get returns the cached entry for key if it has not expired. An expired
// entry is evicted on the spot so the map never holds a URL past its
// lifetime. Get never fetches, a miss is the caller's signal to re-sign.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.miss()
		return Entry{}, false
	}
	if !e.ExpiresAt.After(c.now()) {
		delete(c.entries, key)
		c.evicted("expired", 1)
		c.gauge()
		c.miss()
		return Entry{}, false
	}

	if c.metrics != nil {
		c.metrics.IncCacheHit()
	}
	return e, true
}

// Set inserts or replaces unconditionally, last write wins.
func (c *Cache) Set(key, url string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Entry{URL: url, ExpiresAt: expiresAt}
	c.gauge()
}

// ClearExpired sweeps every entry with expiresAt <= now and reports how many
// were removed.
func (c *Cache) ClearExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if !e.ExpiresAt.After(now) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.evicted("expired", removed)
		c.gauge()
	}
	return removed
}

// LimitSize keeps only the maxSize entries with the latest expiry, a cheap
// stand-in for LRU that favors the URLs that stay valid longest. Ties on
// expiry break by key so the survivors are deterministic for a snapshot.
// Returns how many entries were evicted.
func (c *Cache) LimitSize(maxSize int) int {
	if maxSize <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) <= maxSize {
		return 0
	}

	type kv struct {
		key string
		e   Entry
	}
	all := make([]kv, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, kv{key: k, e: e})
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].e.ExpiresAt.Equal(all[j].e.ExpiresAt) {
			return all[i].e.ExpiresAt.After(all[j].e.ExpiresAt)
		}
		return all[i].key < all[j].key
	})

	evicted := len(all) - maxSize
	for _, victim := range all[maxSize:] {
		delete(c.entries, victim.key)
	}
	c.evicted("capacity", evicted)
	c.gauge()
	return evicted
}

// Trim applies the configured MaxEntries cap, if any.
func (c *Cache) Trim() int {
	if c.max <= 0 {
		return 0
	}
	return c.LimitSize(c.max)
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Snapshot copies the live entries, used by persistence.
func (c *Cache) Snapshot() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Entry, len(c.entries))
	for k, e := range c.entries {
		out[k] = e
	}
	return out
}

// Replace swaps the whole map, used when loading a persisted cache. Expired
// entries are dropped on the way in.
func (c *Cache) Replace(entries map[string]Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries = make(map[string]Entry, len(entries))
	for k, e := range entries {
		if e.ExpiresAt.After(now) {
			c.entries[k] = e
		}
	}
	c.gauge()
}

// callers hold c.mu

func (c *Cache) miss() {
	if c.metrics != nil {
		c.metrics.IncCacheMiss()
	}
}

func (c *Cache) evicted(reason string, n int) {
	if c.metrics != nil {
		c.metrics.AddCacheEvicted(reason, n)
	}
}

func (c *Cache) gauge() {
	if c.metrics != nil {
		c.metrics.SetCacheEntries(len(c.entries))
	}
}
