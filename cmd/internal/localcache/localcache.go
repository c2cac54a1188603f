// Package localcache is the bounded in-process tier of the cache hierarchy.
//
// Entries carry their own TTL and access bookkeeping. When an insert would exceed
// capacity, the entry with the fewest accesses is evicted (ties go to the entry
// read least recently). The eviction scan is O(n); capacities are expected to stay
// in the low thousands.
package localcache

import (
	"context"
	"sync"
	"time"
)

// Entry is a cached value plus its bookkeeping.
//
// Invariants: ExpireTime >= CreateTime, AccessCount >= 1.
type Entry struct {
	Value          []byte
	CreateTime     time.Time
	ExpireTime     time.Time
	LastAccessTime time.Time
	AccessCount    int64
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpireTime)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size        int
	Evictions   int64 // capacity evictions
	Expirations int64 // expired entries removed lazily or by Sweep
}

// Cache is safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	maxEntries int
	minSweep   int
	now        func() time.Time

	evictions   int64
	expirations int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSweepMinEntries makes Sweep a no-op while the cache holds fewer than n entries.
// Expired entries below that size are still treated as absent on read.
func WithSweepMinEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.minSweep = n
		}
	}
}

// New constructs a cache holding at most maxEntries entries (defaults to 10000).
func New(maxEntries int, opts ...Option) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	c := &Cache{
		entries:    make(map[string]*Entry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Get returns the value for key if present and not expired.
// A hit increments the entry's access count and refreshes its last access time.
func (c *Cache) Get(key string) ([]byte, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		delete(c.entries, key)
		c.expirations++
		return nil, false
	}
	e.AccessCount++
	e.LastAccessTime = now
	return e.Value, true
}

// Peek returns a copy of the entry for key without touching access bookkeeping.
// Expired entries are reported as absent.
func (c *Cache) Peek(key string) (Entry, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(now) {
		return Entry{}, false
	}
	return *e, true
}

// Put stores value under key for ttl. A non-positive ttl stores nothing.
// The caller must not mutate value after handing it over.
func (c *Cache) Put(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}

	c.entries[key] = &Entry{
		Value:          value,
		CreateTime:     now,
		ExpireTime:     now.Add(ttl),
		LastAccessTime: now,
		AccessCount:    1,
	}
}

// evictLocked frees one slot. Expired entries are dropped first since they are
// already absent; otherwise the least used entry goes. Must be called with mu held.
func (c *Cache) evictLocked(now time.Time) {
	var (
		victim string
		best   *Entry
	)
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			c.expirations++
			return
		}
		if best == nil ||
			e.AccessCount < best.AccessCount ||
			(e.AccessCount == best.AccessCount && e.LastAccessTime.Before(best.LastAccessTime)) {
			victim, best = k, e
		}
	}
	if best != nil {
		delete(c.entries, victim)
		c.evictions++
	}
}

// Remove deletes key and reports whether it was present.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// RemoveMatching deletes every key for which match returns true.
func (c *Cache) RemoveMatching(match func(key string) bool) int {
	if match == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear drops every entry and returns how many were held.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*Entry)
	return n
}

// Sweep removes expired entries and returns how many were removed.
// It never refills the cache.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) < c.minSweep {
		return 0
	}

	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	c.expirations += int64(n)
	return n
}

// Len returns the number of physically held entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:        len(c.entries),
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// RunSweeper calls Sweep every interval until ctx is done. It blocks; callers own
// the goroutine. onSweep, if non-nil, receives the number of removed entries.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := c.Sweep()
			if onSweep != nil {
				onSweep(n)
			}
		}
	}
}
