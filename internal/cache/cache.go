// Package cache provides a small thread-safe key/value cache with a fixed
// time-to-live per entry and a soft size cap. Values are stored as encoded
// JSON so callers always receive an independent copy.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type entry struct {
	value     json.RawMessage
	expiresAt time.Time
}

// Stats describes the cache contents at a point in time.
type Stats struct {
	Total   int           `json:"total_entries"`
	Active  int           `json:"active_entries"`
	Expired int           `json:"expired_entries"`
	MaxSize int           `json:"max_size"`
	TTL     time.Duration `json:"-"`
	// TTLSeconds mirrors TTL for JSON consumers.
	TTLSeconds int64 `json:"ttl_seconds"`
}

// Observer is notified of every lookup. It must not call back into the cache.
type Observer func(key string, hit bool)

// Cache maps string keys to JSON values. Expired entries are treated as
// absent on read and removed by Cleanup.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]entry
	ttl      time.Duration
	maxSize  int
	now      func() time.Time
	observer Observer
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithObserver registers a hit/miss callback.
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

// New creates a cache. A maxSize below one is treated as one.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the value stored under key, or false if it is absent or expired.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	hit := ok && c.now().Before(e.expiresAt)
	if c.observer != nil {
		c.observer(key, hit)
	}
	if !hit {
		return nil, false
	}
	return append(json.RawMessage(nil), e.value...), true
}

// Set stores value under key. Inserting a new key into a full cache evicts
// one existing entry, preferring an expired one.
func (c *Cache) Set(key string, value json.RawMessage) {
	c.SetIf(key, value, func() bool { return true })
}

// SetIf stores value under key only if keep reports true. keep runs under
// the write lock, so a concurrent Invalidate either lands before it or
// removes the entry afterwards. keep must not call back into the cache.
func (c *Cache) SetIf(key string, value json.RawMessage, keep func() bool) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if !keep() {
		return false
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOne(now)
	}
	c.entries[key] = entry{
		value:     append(json.RawMessage(nil), value...),
		expiresAt: now.Add(c.ttl),
	}
	return true
}

// evictOne drops an expired entry if there is one, otherwise whichever key
// map iteration yields first. Caller holds the write lock.
func (c *Cache) evictOne(now time.Time) {
	victim := ""
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			return
		}
		if victim == "" {
			victim = k
		}
	}
	delete(c.entries, victim)
}

// GetJSON decodes the value under key into dst. It reports false on a miss
// or when the stored value does not decode into dst.
func (c *Cache) GetJSON(key string, dst any) bool {
	raw, ok := c.Get(key)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// SetJSON encodes v and stores it under key.
func (c *Cache) SetJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.Set(key, raw)
	return nil
}

// SetJSONIf encodes v and stores it under key if keep reports true.
func (c *Cache) SetJSONIf(key string, v any, keep func() bool) (bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	return c.SetIf(key, raw, keep), nil
}

// Invalidate removes key. Removing a missing key is a no-op.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *Cache) Cleanup() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Stats counts live and expired entries.
func (c *Cache) Stats() Stats {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		Total:      len(c.entries),
		MaxSize:    c.maxSize,
		TTL:        c.ttl,
		TTLSeconds: int64(c.ttl / time.Second),
	}
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			s.Active++
		} else {
			s.Expired++
		}
	}
	return s
}

// Run calls Cleanup every interval until ctx is cancelled. onSweep, if not
// nil, receives the number of entries removed by each pass.
func (c *Cache) Run(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := c.Cleanup()
			if onSweep != nil {
				onSweep(n)
			}
		}
	}
}
