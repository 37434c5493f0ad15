// Package rules provides the caching glue used by rules-evaluation workers:
// alert-once dedupe over Redis with a local LRU assist, IOC cache version
// tracking, and a TTL-bounded domain allowlist checker.
package rules

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ScopeKey identifies a site/scope tuple used to enforce per-scope semantics.
type ScopeKey struct {
	SiteID string
	Scope  string
}

func (k ScopeKey) Validate() error {
	if strings.TrimSpace(k.SiteID) == "" {
		return errors.New("site_id is required")
	}
	if strings.TrimSpace(k.Scope) == "" {
		return errors.New("scope is required")
	}
	return nil
}

// CacheTTL holds the TTL configuration for the rules caches.
type CacheTTL struct {
	// AlertOnce bounds how long a dedupe key suppresses repeat alerts.
	AlertOnce time.Duration
	// Allowlist bounds how long fetched allowlist patterns are reused.
	Allowlist time.Duration
	// IOCVersionRefresh bounds how often the IOC cache version is re-read.
	IOCVersionRefresh time.Duration
}

func DefaultCacheTTL() CacheTTL {
	return CacheTTL{
		AlertOnce:         2 * time.Minute,
		Allowlist:         5 * time.Minute,
		IOCVersionRefresh: time.Second,
	}
}

// AlertOnceCache enforces alert-once-per-scope semantics. The key should
// encode the scope and a stable dedupe key (e.g., domain, event signature).
type AlertOnceCache interface {
	// Seen reports and records whether the dedupe key has already alerted
	// for the scope. If not seen, it records it and returns false.
	Seen(ctx context.Context, req AlertSeenRequest) (bool, error)
	// Peek checks whether the dedupe key has already alerted without
	// mutating cache state.
	Peek(ctx context.Context, req AlertSeenRequest) (bool, error)
}

// AlertSeenRequest groups parameters for AlertOnceCache operations.
type AlertSeenRequest struct {
	Scope     ScopeKey
	DedupeKey string
	TTL       time.Duration
}
