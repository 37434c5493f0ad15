package rules

import (
	"path/filepath"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/pagesentry/pagesentry/internal/domain/model"
)

// PatternMatcher decides whether a host matches an allowlist pattern. The
// four pattern types trade precision for reach: exact, "*.base" wildcard,
// filepath-style glob, and eTLD+1 (whole registrable domain).
type PatternMatcher struct{}

// NewPatternMatcher creates a matcher.
func NewPatternMatcher() *PatternMatcher {
	return &PatternMatcher{}
}

// Match reports whether domain matches pattern under patternType. Inputs are
// case-folded and trimmed first; unknown pattern types fall back to exact.
func (pm *PatternMatcher) Match(domain, pattern, patternType string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	pattern = strings.ToLower(strings.TrimSpace(pattern))

	if domain == "" || pattern == "" {
		return false
	}

	switch strings.ToLower(strings.TrimSpace(patternType)) {
	case model.PatternTypeWildcard:
		return pm.matchWildcard(domain, pattern)
	case model.PatternTypeGlob:
		return pm.matchGlob(domain, pattern)
	case model.PatternTypeETLDPlusOne:
		return pm.matchETLDPlusOne(domain, pattern)
	case model.PatternTypeExact:
		return domain == pattern
	default:
		return domain == pattern
	}
}

// matchWildcard handles "*.base" patterns: the base itself and any depth of
// subdomain match, but suffix overlaps like "evilexample.com" do not.
func (pm *PatternMatcher) matchWildcard(domain, pattern string) bool {
	if domain == pattern {
		return true
	}

	base, ok := strings.CutPrefix(pattern, "*.")
	if !ok || base == "" {
		return false
	}

	if domain == base {
		return true
	}
	return strings.HasSuffix(domain, "."+base)
}

func (pm *PatternMatcher) matchGlob(domain, pattern string) bool {
	matched, err := filepath.Match(pattern, domain)
	if err != nil {
		// Malformed glob degrades to an exact comparison.
		return domain == pattern
	}
	return matched
}

// matchETLDPlusOne matches when both hosts share the same registrable domain,
// so "example.com" covers "deep.sub.example.com".
func (pm *PatternMatcher) matchETLDPlusOne(domain, pattern string) bool {
	if domain == pattern {
		return true
	}

	domainBase := pm.extractETLDPlusOne(domain)
	return domainBase != "" && domainBase == pm.extractETLDPlusOne(pattern)
}

// extractETLDPlusOne resolves the registrable domain via the public suffix
// list. Returns "" for hosts it cannot resolve (IPs, bare TLDs, garbage).
func (pm *PatternMatcher) extractETLDPlusOne(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return ""
	}
	base, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return ""
	}
	return base
}

// MatchAny reports whether domain matches any enabled allowlist entry.
func (pm *PatternMatcher) MatchAny(domain string, patterns []model.DomainAllowlist) bool {
	for i := range patterns {
		entry := &patterns[i]
		if !entry.Enabled {
			continue
		}
		if pm.Match(domain, entry.Pattern, entry.PatternType) {
			return true
		}
	}
	return false
}
