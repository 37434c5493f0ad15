package rules

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// LocalLRU is the in-process first tier of the rules caching stack: a
// capacity-bounded LRU of byte slices with per-entry TTL. Safe for
// concurrent use.
type LocalLRU struct {
	mu    sync.Mutex
	cap   int
	order *list.List               // front = most recently used
	index map[string]*list.Element // key -> element holding *lruEntry

	clock func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
	evicts atomic.Uint64
}

type lruEntry struct {
	key    string
	value  []byte
	expiry time.Time // zero = never expires
}

// LocalLRUConfig groups constructor options.
type LocalLRUConfig struct {
	Capacity int
	Now      func() time.Time
}

// DefaultLocalLRUConfig returns the defaults used by the rules engine.
func DefaultLocalLRUConfig() LocalLRUConfig {
	return LocalLRUConfig{Capacity: 1024, Now: time.Now}
}

// NewLocalLRU creates an empty cache. Non-positive capacity and nil clock
// fall back to the defaults.
func NewLocalLRU(cfg LocalLRUConfig) *LocalLRU {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &LocalLRU{
		cap:   cfg.Capacity,
		order: list.New(),
		index: make(map[string]*list.Element, cfg.Capacity),
		clock: cfg.Now,
	}
}

// Get returns the live value for key. Expired entries are dropped on read.
func (c *LocalLRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent := c.touch(key)
	if ent == nil {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return ent.value, true
}

// Exists reports whether key holds a live entry, refreshing its recency.
func (c *LocalLRU) Exists(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.touch(key) != nil
}

// Set inserts or replaces a value. ttl <= 0 stores the entry without expiry.
func (c *LocalLRU) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = c.clock().Add(ttl)
	}

	if el, ok := c.index[key]; ok {
		ent := el.Value.(*lruEntry)
		ent.value = value
		ent.expiry = exp
		c.order.MoveToFront(el)
		return
	}

	c.index[key] = c.order.PushFront(&lruEntry{key: key, value: value, expiry: exp})
	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest)
		c.evicts.Add(1)
	}
}

// Delete removes key and reports whether it was present.
func (c *LocalLRU) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.remove(el)
		return true
	}
	return false
}

// Len returns the number of entries, including ones that expired but have
// not been read since.
func (c *LocalLRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// LocalLRUStats is a counter snapshot for observability.
type LocalLRUStats struct {
	Hits, Misses, Evictions uint64
	Size, Capacity          int
}

// Stats returns the current counters and sizes.
func (c *LocalLRU) Stats() LocalLRUStats {
	return LocalLRUStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evicts.Load(),
		Size:      c.Len(),
		Capacity:  c.cap,
	}
}

// touch returns the live entry for key after moving it to the front, or nil.
// Expired entries are removed. Caller holds c.mu.
func (c *LocalLRU) touch(key string) *lruEntry {
	el, ok := c.index[key]
	if !ok {
		return nil
	}
	ent := el.Value.(*lruEntry)
	if !ent.expiry.IsZero() && c.clock().After(ent.expiry) {
		c.remove(el)
		return nil
	}
	c.order.MoveToFront(el)
	return ent
}

// remove unlinks el from both structures. Caller holds c.mu.
func (c *LocalLRU) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.index, el.Value.(*lruEntry).key)
}
