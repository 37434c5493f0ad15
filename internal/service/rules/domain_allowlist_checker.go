package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pagesentry/pagesentry/internal/domain/model"
)

const (
	defaultAllowlistFetchTimeout = 10 * time.Second
	defaultAllowlistCacheSize    = 1000
)

// AllowlistFetchFunc loads the allowlist patterns for a scope from the
// backing store. The checker wraps it with a TTL cache so workers do not
// hit the database on every domain check.
type AllowlistFetchFunc func(ctx context.Context, req model.DomainAllowlistLookupRequest) ([]model.DomainAllowlist, error)

// DomainAllowlistCheckerOptions configures the checker. FetchTimeout nil
// means the 10s default; pointing it at zero disables the timeout.
type DomainAllowlistCheckerOptions struct {
	Fetch        AllowlistFetchFunc
	CacheTTL     time.Duration
	CacheSize    int
	FetchTimeout *time.Duration
}

// DomainAllowlistChecker answers "is this domain allowlisted for this scope"
// by matching against patterns cached per scope.
type DomainAllowlistChecker struct {
	fetch        AllowlistFetchFunc
	matcher      *PatternMatcher
	cache        *allowlistCache
	fetchTimeout time.Duration
}

// NewDomainAllowlistChecker builds a checker with defaulted cache bounds.
func NewDomainAllowlistChecker(opts DomainAllowlistCheckerOptions) *DomainAllowlistChecker {
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL().Allowlist
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = defaultAllowlistCacheSize
	}
	timeout := defaultAllowlistFetchTimeout
	if opts.FetchTimeout != nil {
		timeout = *opts.FetchTimeout
	}

	return &DomainAllowlistChecker{
		fetch:        opts.Fetch,
		matcher:      NewPatternMatcher(),
		cache:        newAllowlistCache(opts.CacheTTL, opts.CacheSize),
		fetchTimeout: timeout,
	}
}

// Allowed reports whether the domain matches any enabled allowlist pattern
// for the scope. Fetch errors and a missing fetcher both deny; an allowlist
// that cannot be read must not open the gate.
func (c *DomainAllowlistChecker) Allowed(ctx context.Context, scope ScopeKey, domain string) bool {
	if c.fetch == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	patterns, err := c.patternsForScope(ctx, scope)
	if err != nil {
		return false
	}
	return c.matcher.MatchAny(domain, patterns)
}

func (c *DomainAllowlistChecker) patternsForScope(
	ctx context.Context,
	scope ScopeKey,
) ([]model.DomainAllowlist, error) {
	if patterns, found := c.cache.get(scope); found {
		return patterns, nil
	}

	fetchCtx := ctx
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	patterns, err := c.fetch(fetchCtx, model.DomainAllowlistLookupRequest{Scope: scope.Scope})
	if err != nil {
		return nil, fmt.Errorf("fetch allowlist patterns: %w", err)
	}

	c.cache.set(scope, patterns)
	return patterns, nil
}

// InvalidateCache drops the cached patterns for one scope, or every scope
// when nil. Called after allowlist mutations so edits take effect within a
// request rather than a TTL.
func (c *DomainAllowlistChecker) InvalidateCache(scope *ScopeKey) {
	if scope == nil {
		c.cache.clear()
		return
	}
	c.cache.delete(*scope)
}

// CacheStats exposes cache occupancy for the stats endpoint.
func (c *DomainAllowlistChecker) CacheStats() AllowlistCacheStats {
	return c.cache.Stats()
}

// allowlistCache is a size-bounded TTL map of scope key to patterns.
type allowlistCache struct {
	mu          sync.RWMutex
	entries     map[string]allowlistEntry
	ttl         time.Duration
	maxSize     int
	lastCleanup time.Time
}

type allowlistEntry struct {
	patterns  []model.DomainAllowlist
	expiresAt time.Time
}

func newAllowlistCache(ttl time.Duration, maxSize int) *allowlistCache {
	return &allowlistCache{
		entries:     make(map[string]allowlistEntry),
		ttl:         ttl,
		maxSize:     maxSize,
		lastCleanup: time.Now(),
	}
}

func (c *allowlistCache) key(scope ScopeKey) string {
	return fmt.Sprintf("site:%s:scope:%s", scope.SiteID, scope.Scope)
}

func (c *allowlistCache) get(scope ScopeKey) ([]model.DomainAllowlist, bool) {
	key := c.key(scope)

	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()
	if !exists {
		return nil, false
	}

	if time.Now().After(entry.expiresAt) {
		// Purge under the write lock, re-checking in case of a concurrent set.
		c.mu.Lock()
		if e, ok := c.entries[key]; ok && time.Now().After(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.patterns, true
}

func (c *allowlistCache) set(scope ScopeKey, patterns []model.DomainAllowlist) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastCleanup) > c.ttl {
		c.purgeExpiredLocked()
		c.lastCleanup = time.Now()
	}
	if len(c.entries) >= c.maxSize {
		c.evictSoonestLocked()
	}

	c.entries[c.key(scope)] = allowlistEntry{
		patterns:  patterns,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *allowlistCache) delete(scope ScopeKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, c.key(scope))
}

func (c *allowlistCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]allowlistEntry)
}

// purgeExpiredLocked requires the write lock.
func (c *allowlistCache) purgeExpiredLocked() {
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// evictSoonestLocked drops the entry closest to expiry to make room.
// Requires the write lock.
func (c *allowlistCache) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for key, entry := range c.entries {
		if victim == "" || entry.expiresAt.Before(soonest) {
			victim = key
			soonest = entry.expiresAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}

// Stats counts live and expired entries.
func (c *allowlistCache) Stats() AllowlistCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	expired := 0
	for _, entry := range c.entries {
		if now.After(entry.expiresAt) {
			expired++
		}
	}

	return AllowlistCacheStats{
		TotalEntries:   len(c.entries),
		ExpiredEntries: expired,
		ActiveEntries:  len(c.entries) - expired,
		MaxSize:        c.maxSize,
		TTL:            c.ttl,
	}
}

// AllowlistCacheStats reports allowlist cache occupancy.
type AllowlistCacheStats struct {
	TotalEntries   int           `json:"total_entries"`
	ExpiredEntries int           `json:"expired_entries"`
	ActiveEntries  int           `json:"active_entries"`
	MaxSize        int           `json:"max_size"`
	TTL            time.Duration `json:"ttl"`
}

// MarshalJSON renders the TTL in seconds instead of nanoseconds.
func (s AllowlistCacheStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TotalEntries   int `json:"total_entries"`
		ExpiredEntries int `json:"expired_entries"`
		ActiveEntries  int `json:"active_entries"`
		MaxSize        int `json:"max_size"`
		TTLSeconds     int `json:"ttl_seconds"`
	}{
		TotalEntries:   s.TotalEntries,
		ExpiredEntries: s.ExpiredEntries,
		ActiveEntries:  s.ActiveEntries,
		MaxSize:        s.MaxSize,
		TTLSeconds:     int(s.TTL.Seconds()),
	})
}
