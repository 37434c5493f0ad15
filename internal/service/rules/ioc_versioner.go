package rules

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pagesentry/pagesentry/internal/core"
)

// IOCVersioner manages the IOC cache-version value. Bumping the version
// implicitly invalidates every per-host cache entry keyed under the old one.
type IOCVersioner interface {
	Current(ctx context.Context) (string, error)
	Bump(ctx context.Context) (string, error)
}

const (
	defaultIOCCacheVersionKey     = "rules:ioc:version"
	defaultIOCCacheVersionRefresh = time.Second
)

// IOCCacheVersioner stores the version in Redis and memoizes it locally for a
// short refresh window, so hot paths do not hit Redis per event. With a nil
// Redis it degrades to process-local state, which single-node tests rely on.
type IOCCacheVersioner struct {
	redis   core.CacheRepository
	key     string
	refresh time.Duration

	mu        sync.RWMutex
	last      string
	lastFetch time.Time
	clock     func() time.Time
}

// NewIOCCacheVersioner constructs a versioner. Empty key and non-positive
// refresh fall back to the defaults.
func NewIOCCacheVersioner(redis core.CacheRepository, key string, refresh time.Duration) *IOCCacheVersioner {
	if key == "" {
		key = defaultIOCCacheVersionKey
	}
	if refresh <= 0 {
		refresh = defaultIOCCacheVersionRefresh
	}
	return &IOCCacheVersioner{
		redis:   redis,
		key:     key,
		refresh: refresh,
		clock:   time.Now,
	}
}

// Current returns the version, refreshing from Redis once the window lapses.
// On a Redis error the last known value is returned alongside the error so
// rule evaluation keeps working through a Redis blip.
func (v *IOCCacheVersioner) Current(ctx context.Context) (string, error) {
	now := v.clock()

	v.mu.RLock()
	last, since := v.last, now.Sub(v.lastFetch)
	v.mu.RUnlock()

	if last != "" && since <= v.refresh {
		return last, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// Another goroutine may have refreshed while we waited for the lock.
	if v.last != "" && now.Sub(v.lastFetch) <= v.refresh {
		return v.last, nil
	}
	return v.refreshLocked(ctx, now)
}

// refreshLocked re-reads the version from Redis. Caller holds the write lock.
// An empty or missing value normalizes to "0" so callers always get a usable
// cache-key component.
func (v *IOCCacheVersioner) refreshLocked(ctx context.Context, now time.Time) (string, error) {
	v.lastFetch = now

	if v.redis == nil {
		if v.last == "" {
			v.last = "0"
		}
		return v.last, nil
	}

	b, err := v.redis.Get(ctx, v.key)
	switch {
	case err != nil:
		if v.last == "" {
			v.last = "0"
		}
		return v.last, err
	case len(b) == 0:
		v.last = "0"
	default:
		v.last = string(b)
	}
	return v.last, nil
}

// Bump writes a fresh version derived from unix nanos (base36) and caches it
// locally so the next Current observes it immediately, even when the Redis
// write fails.
func (v *IOCCacheVersioner) Bump(ctx context.Context) (string, error) {
	now := v.clock()
	version := strconv.FormatInt(now.UnixNano(), 36)

	var setErr error
	if v.redis != nil {
		setErr = v.redis.Set(ctx, v.key, []byte(version), 0)
	}

	v.mu.Lock()
	v.last = version
	v.lastFetch = now
	v.mu.Unlock()

	return version, setErr
}

// SetClock injects a deterministic clock for tests. Nil is ignored.
func (v *IOCCacheVersioner) SetClock(fn func() time.Time) {
	if fn == nil {
		return
	}
	v.mu.Lock()
	v.clock = fn
	v.mu.Unlock()
}

var _ IOCVersioner = (*IOCCacheVersioner)(nil)
