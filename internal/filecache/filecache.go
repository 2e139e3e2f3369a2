// Package filecache implements the bounded, refcounted in-memory file
// cache (spec §4.H). The ticker-driven sweep loop is adapted from the
// vardiff.Manager.Run in carlosrabelo-karoo's internal/vardiff (since deleted, see DESIGN.md),
// which periodically walks a mutex-guarded map of per-key state; here
// the map holds cached file entries instead of per-client difficulty
// stats, and the periodic action is idle-expiry eviction instead of
// difficulty retargeting.
package filecache

import (
	"context"
	"sync"
	"time"
)

// Config bounds the cache's memory footprint and idle lifetime.
type Config struct {
	MaxEntryBytes  uint64
	MaxTotalBytes  uint64
	IdleExpiry     time.Duration
	SweepEvery     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxEntryBytes: 1 << 20,  // spec §4.G: cache-hit path only serves files this size class handles directly
		MaxTotalBytes: 64 << 20,
		IdleExpiry:    5 * time.Minute,
		SweepEvery:    30 * time.Second,
	}
}

// entry is one cached file. refcount tracks in-flight responses
// reading it so a sweep never frees memory a responder still holds.
type entry struct {
	data     []byte
	modTime  time.Time
	lastUsed time.Time
	refcount int
}

// Cache holds recently-served static files in memory.
type Cache struct {
	cfg Config

	mu         sync.RWMutex
	entries    map[string]*entry
	totalBytes uint64
}

func New(cfg Config) *Cache {
	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// Handle is a checked-out reference to a cached file's bytes. Release
// must be called exactly once.
type Handle struct {
	c    *Cache
	key  string
	e    *entry
	Data []byte
}

// Release decrements the entry's refcount, making it eligible for
// eviction again.
func (h *Handle) Release() {
	h.c.mu.Lock()
	h.e.refcount--
	h.c.mu.Unlock()
}

// Get returns a checked-out Handle for key if present and still fresh
// relative to modTime (a cached entry older than the file's current
// mtime is treated as a miss so the caller re-reads and re-stores it).
func (c *Cache) Get(key string, modTime time.Time) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.modTime.Before(modTime) {
		return nil, false
	}
	e.refcount++
	e.lastUsed = time.Now()
	return &Handle{c: c, key: key, e: e, Data: e.data}, true
}

// Put stores data under key if it fits within the per-entry and
// global size caps. Returns false if the put was rejected, in which
// case the caller should fall back to serving the file without
// caching it.
func (c *Cache) Put(key string, data []byte, modTime time.Time) bool {
	size := uint64(len(data))
	if c.cfg.MaxEntryBytes > 0 && size > c.cfg.MaxEntryBytes {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		c.totalBytes -= uint64(len(existing.data))
		delete(c.entries, key)
	}

	if c.cfg.MaxTotalBytes > 0 && c.totalBytes+size > c.cfg.MaxTotalBytes {
		c.evictColdestLocked(size)
		if c.totalBytes+size > c.cfg.MaxTotalBytes {
			return false
		}
	}

	c.entries[key] = &entry{data: data, modTime: modTime, lastUsed: time.Now()}
	c.totalBytes += size
	return true
}

// evictColdestLocked drops least-recently-used, unreferenced entries
// until there is room for need more bytes. Caller must hold c.mu.
func (c *Cache) evictColdestLocked(need uint64) {
	for c.cfg.MaxTotalBytes > 0 && c.totalBytes+need > c.cfg.MaxTotalBytes {
		var coldestKey string
		var coldest *entry
		for k, e := range c.entries {
			if e.refcount > 0 {
				continue
			}
			if coldest == nil || e.lastUsed.Before(coldest.lastUsed) {
				coldestKey, coldest = k, e
			}
		}
		if coldest == nil {
			return
		}
		c.totalBytes -= uint64(len(coldest.data))
		delete(c.entries, coldestKey)
	}
}

// sweep evicts unreferenced entries idle longer than IdleExpiry.
func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.refcount == 0 && now.Sub(e.lastUsed) > c.cfg.IdleExpiry {
			c.totalBytes -= uint64(len(e.data))
			delete(c.entries, k)
		}
	}
}

// Run drives the periodic idle-expiry sweep until ctx is canceled.
func (c *Cache) Run(ctx context.Context) {
	if c.cfg.SweepEvery <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			c.sweep(t)
		}
	}
}

// Stats reports current occupancy, for metrics and tests.
func (c *Cache) Stats() (entries int, totalBytes uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), c.totalBytes
}
