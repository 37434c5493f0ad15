package rules

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/pagesentry/pagesentry/internal/core"
)

const alertOnceStripes = 256

// Striped in-process locks shared by every AlertOnceCacheRedis. A fixed
// stripe count bounds memory; cross-process exclusion still comes from the
// Redis SET NX below.
//
//nolint:gochecknoglobals // process-wide lock table, fixed size
var alertOnceLocks [alertOnceStripes]sync.Mutex

// AlertOnceCacheRedis answers "has this alert fired before in this scope?"
// exactly once per dedupe key: Redis SET NX is the source of truth, with a
// LocalLRU in front to absorb repeat lookups.
type AlertOnceCacheRedis struct {
	local *LocalLRU
	redis core.CacheRepository
}

func NewAlertOnceCache(local *LocalLRU, redis core.CacheRepository) *AlertOnceCacheRedis {
	return &AlertOnceCacheRedis{
		local: local,
		redis: redis,
	}
}

// Seen records the dedupe key and reports whether it had already been
// recorded. The first caller for a key gets false; everyone after gets true
// until the TTL lapses.
func (a *AlertOnceCacheRedis) Seen(ctx context.Context, req AlertSeenRequest) (bool, error) {
	key, err := alertOnceKey(req)
	if err != nil {
		return false, err
	}

	// One goroutine per stripe runs the check-and-set below; without this,
	// two local goroutines could both miss the local cache and both report
	// "not seen" before either writes it.
	lock := &alertOnceLocks[alertOnceStripe(key)]
	lock.Lock()
	defer lock.Unlock()

	if a.localExists(key) {
		return true, nil
	}

	if a.redis == nil {
		a.localSet(key, req.TTL)
		return false, nil
	}

	wasSet, err := a.redis.SetIfNotExists(ctx, key, []byte("1"), req.TTL)
	if err != nil {
		return false, err
	}

	// Seed the local tier whether we won the SET NX or lost it to a peer.
	a.localSet(key, req.TTL)

	return !wasSet, nil
}

// Peek reports whether the key has been recorded without recording it.
func (a *AlertOnceCacheRedis) Peek(ctx context.Context, req AlertSeenRequest) (bool, error) {
	key, err := alertOnceKey(req)
	if err != nil {
		return false, err
	}

	if a.localExists(key) {
		return true, nil
	}
	if a.redis == nil {
		return false, nil
	}

	exists, err := a.redis.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("alertonce peek exists key=%q: %w", key, err)
	}
	if exists && req.TTL > 0 {
		a.localSet(key, req.TTL)
	}
	return exists, nil
}

func alertOnceKey(req AlertSeenRequest) (string, error) {
	if err := req.Scope.Validate(); err != nil {
		return "", err
	}
	k := strings.ToLower(strings.TrimSpace(req.DedupeKey))
	if k == "" {
		return "", errors.New("dedupe key is required")
	}
	return "rules:alertonce:site:" + req.Scope.SiteID + ":scope:" + req.Scope.Scope + ":key:" + k, nil
}

func alertOnceStripe(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(alertOnceStripes))
}

func (a *AlertOnceCacheRedis) localExists(key string) bool {
	return a.local != nil && a.local.Exists(key)
}

func (a *AlertOnceCacheRedis) localSet(key string, ttl time.Duration) {
	if a.local != nil {
		a.local.Set(key, []byte("1"), ttl)
	}
}
