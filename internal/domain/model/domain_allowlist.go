package model

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// DomainAllowlist represents a domain allowlist entry with pattern matching support.
type DomainAllowlist struct {
	ID          string    `json:"id"                    db:"id"`
	Scope       string    `json:"scope"                 db:"scope"`        // Scope context; 'global' for global allowlists
	Pattern     string    `json:"pattern"               db:"pattern"`      // Domain pattern
	PatternType string    `json:"pattern_type"          db:"pattern_type"` // exact, wildcard, glob, etld_plus_one
	Description string    `json:"description,omitempty" db:"description"`
	Enabled     bool      `json:"enabled"               db:"enabled"`
	Priority    int       `json:"priority"              db:"priority"`
	CreatedAt   time.Time `json:"created_at"            db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"            db:"updated_at"`
}

// IsGlobal returns true if this is a global allowlist entry (scope is 'global').
func (d *DomainAllowlist) IsGlobal() bool {
	return d.Scope == ScopeGlobal
}

// PatternType constants for domain allowlist patterns.
const (
	PatternTypeExact       = "exact"         // Exact domain match
	PatternTypeWildcard    = "wildcard"      // Simple wildcard matching (*.example.com)
	PatternTypeGlob        = "glob"          // Full glob pattern matching
	PatternTypeETLDPlusOne = "etld_plus_one" // eTLD+1 matching (example.com matches sub.example.com)
)

// ScopeGlobal identifies the global scope for domain allowlists.
const ScopeGlobal = "global"

// ValidPatternTypes returns all valid pattern types.
func ValidPatternTypes() []string {
	return []string{PatternTypeExact, PatternTypeWildcard, PatternTypeGlob, PatternTypeETLDPlusOne}
}

// IsValidPatternType checks if a pattern type is valid.
func IsValidPatternType(patternType string) bool {
	return slices.Contains(ValidPatternTypes(), patternType)
}

// CreateDomainAllowlistRequest represents a request to create a domain
// allowlist entry.
type CreateDomainAllowlistRequest struct {
	Scope       string `json:"scope"`
	Pattern     string `json:"pattern"`
	PatternType string `json:"pattern_type"`
	Description string `json:"description,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`  // defaults to true
	Priority    *int   `json:"priority,omitempty"` // defaults to 100; lower wins
}

// Normalize normalizes the CreateDomainAllowlistRequest fields.
func (r *CreateDomainAllowlistRequest) Normalize() {
	r.Scope = strings.TrimSpace(r.Scope)
	r.Pattern = strings.TrimSpace(strings.ToLower(r.Pattern))
	r.PatternType = strings.TrimSpace(strings.ToLower(r.PatternType))
	if r.PatternType == "" {
		r.PatternType = PatternTypeExact
	}
	if r.Enabled == nil {
		enabled := true
		r.Enabled = &enabled
	}
	if r.Priority == nil {
		priority := 100
		r.Priority = &priority
	}
}

// Validate validates the CreateDomainAllowlistRequest fields.
func (r *CreateDomainAllowlistRequest) Validate() error {
	if r.Scope == "" {
		return errors.New("scope is required")
	}
	if r.Pattern == "" {
		return errors.New("pattern is required")
	}
	if !IsValidPatternType(r.PatternType) {
		return errors.New("pattern type must be one of: " + strings.Join(ValidPatternTypes(), ", "))
	}
	return nil
}

// DomainAllowlistLookupRequest represents a request to check a domain or to
// fetch patterns for a scope.
type DomainAllowlistLookupRequest struct {
	Scope  string `json:"scope"`  // Required scope context
	Domain string `json:"domain"` // Domain to check (optional when listing patterns)
}

// Normalize normalizes the DomainAllowlistLookupRequest fields.
func (r *DomainAllowlistLookupRequest) Normalize() {
	r.Domain = strings.TrimSpace(strings.ToLower(r.Domain))
	r.Scope = strings.TrimSpace(r.Scope)
}

// Validate validates the DomainAllowlistLookupRequest fields.
// Domain may be empty when fetching patterns for a scope.
func (r *DomainAllowlistLookupRequest) Validate() error {
	if r.Scope == "" {
		return errors.New("scope is required")
	}
	return nil
}
