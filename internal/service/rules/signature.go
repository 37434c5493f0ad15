package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
)

// SignatureExtractor derives a stable dedupe fingerprint from an event
// document by evaluating a fixed set of JMESPath expressions over it.
// Expressions are validated at construction so a bad expression fails
// loudly at wiring time instead of silently collapsing fingerprints.
type SignatureExtractor struct {
	expressions []string
}

// NewSignatureExtractor compiles and validates the given JMESPath expressions.
func NewSignatureExtractor(expressions ...string) (*SignatureExtractor, error) {
	if len(expressions) == 0 {
		return nil, fmt.Errorf("at least one expression is required")
	}
	cleaned := make([]string, 0, len(expressions))
	for _, expr := range expressions {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			return nil, fmt.Errorf("empty expression")
		}
		if _, err := jmespath.Compile(expr); err != nil {
			return nil, fmt.Errorf("invalid expression %q: %w", expr, err)
		}
		cleaned = append(cleaned, expr)
	}
	return &SignatureExtractor{expressions: cleaned}, nil
}

// Signature evaluates every expression against data and hashes the
// combined results. Expressions that match nothing contribute a null
// component so the fingerprint stays positional.
func (e *SignatureExtractor) Signature(data any) (string, error) {
	parts := make([]json.RawMessage, 0, len(e.expressions))
	for _, expr := range e.expressions {
		res, err := jmespath.Search(expr, data)
		if err != nil {
			return "", fmt.Errorf("evaluate %q: %w", expr, err)
		}
		b, err := json.Marshal(res)
		if err != nil {
			return "", fmt.Errorf("marshal result of %q: %w", expr, err)
		}
		parts = append(parts, b)
	}
	joined, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("marshal signature parts: %w", err)
	}
	sum := sha256.Sum256(joined)
	return hex.EncodeToString(sum[:]), nil
}

// AlertDeduper decides whether an alert-worthy event should actually fire
// an alert, or has already been seen recently. Dedupe keys are prefixed
// with the current indicator-set version, so bumping the version after an
// indicator refresh restarts dedupe state for every signature at once.
type AlertDeduper struct {
	extractor *SignatureExtractor
	versioner IOCVersioner
	seen      AlertOnceCache
	ttl       time.Duration
}

// AlertDeduperOptions configures an AlertDeduper.
type AlertDeduperOptions struct {
	Extractor *SignatureExtractor
	Versioner IOCVersioner
	Seen      AlertOnceCache
	TTL       time.Duration // Suppression window; defaults to the alert-once TTL
}

// NewAlertDeduper wires a deduper from its parts.
func NewAlertDeduper(opts AlertDeduperOptions) (*AlertDeduper, error) {
	if opts.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if opts.Seen == nil {
		return nil, fmt.Errorf("seen cache is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL().AlertOnce
	}
	return &AlertDeduper{
		extractor: opts.Extractor,
		versioner: opts.Versioner,
		seen:      opts.Seen,
		ttl:       ttl,
	}, nil
}

// ShouldAlert reports whether this event's signature is new for the scope.
// The first caller for a given signature gets true; repeats within the
// alert-once TTL get false.
func (d *AlertDeduper) ShouldAlert(ctx context.Context, scope ScopeKey, event any) (bool, error) {
	key, err := d.dedupeKey(ctx, event)
	if err != nil {
		return false, err
	}
	seen, err := d.seen.Seen(ctx, AlertSeenRequest{Scope: scope, DedupeKey: key, TTL: d.ttl})
	if err != nil {
		return false, err
	}
	return !seen, nil
}

// AlreadySeen reports prior state without recording the event.
func (d *AlertDeduper) AlreadySeen(ctx context.Context, scope ScopeKey, event any) (bool, error) {
	key, err := d.dedupeKey(ctx, event)
	if err != nil {
		return false, err
	}
	return d.seen.Peek(ctx, AlertSeenRequest{Scope: scope, DedupeKey: key, TTL: d.ttl})
}

func (d *AlertDeduper) dedupeKey(ctx context.Context, event any) (string, error) {
	sig, err := d.extractor.Signature(event)
	if err != nil {
		return "", fmt.Errorf("extract signature: %w", err)
	}
	version := "0"
	if d.versioner != nil {
		// A stale version only delays invalidation, so versioner errors
		// do not fail the alert decision.
		if v, _ := d.versioner.Current(ctx); v != "" {
			version = v
		}
	}
	return "v" + version + ":" + sig, nil
}
