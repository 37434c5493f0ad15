// Package job holds the transport-independent job coordination primitives:
// the lease policy and the notification fan-out.
package job

import (
	"errors"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// LeaseSource identifies how a lease duration was resolved.
type LeaseSource string

const (
	// LeaseSourceExplicit indicates the caller supplied a usable duration.
	LeaseSourceExplicit LeaseSource = "explicit"
	// LeaseSourceDefault indicates the policy fell back to its default.
	LeaseSourceDefault LeaseSource = "default"
	// LeaseSourceClamped indicates the request was pulled into the allowed range.
	LeaseSourceClamped LeaseSource = "clamped"
)

// LeasePolicy normalizes lease durations for reservations and heartbeats.
// It is the only place sub-second or out-of-range durations are rejected.
type LeasePolicy struct {
	defaultLease time.Duration
	maxLease     time.Duration
}

// LeasePolicyOptions configures a LeasePolicy. Max of zero disables the upper clamp.
type LeasePolicyOptions struct {
	Default time.Duration
	Max     time.Duration
}

// NewLeasePolicy constructs a LeasePolicy from the given options.
func NewLeasePolicy(opts LeasePolicyOptions) (*LeasePolicy, error) {
	if opts.Default <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	maxLease := opts.Max
	if maxLease > 0 && maxLease < opts.Default {
		maxLease = opts.Default
	}
	return &LeasePolicy{
		defaultLease: opts.Default,
		maxLease:     maxLease,
	}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// LeaseDecision captures the outcome of resolving a lease request.
type LeaseDecision struct {
	Seconds   int
	Source    LeaseSource
	Requested time.Duration
}

// UsedDefault reports whether the policy fell back to the default lease.
func (d LeaseDecision) UsedDefault() bool {
	return d.Source == LeaseSourceDefault
}

// Clamped reports whether the requested value was pulled into the allowed range.
func (d LeaseDecision) Clamped() bool {
	return d.Source == LeaseSourceClamped
}

// Duration returns the resolved lease as a time.Duration.
func (d LeaseDecision) Duration() time.Duration {
	return time.Duration(d.Seconds) * time.Second
}

// Resolve normalizes the requested duration to whole seconds within the
// policy's range. Zero requests use the default; negative and sub-second
// requests clamp to one second. Pure and deterministic.
func (p *LeasePolicy) Resolve(request time.Duration) LeaseDecision {
	if p == nil {
		return LeaseDecision{Source: LeaseSourceDefault, Requested: request}
	}

	decision := LeaseDecision{Requested: request}

	if request == 0 {
		decision.Seconds = int(p.defaultLease / time.Second)
		decision.Source = LeaseSourceDefault
		return decision
	}

	if request < time.Second {
		// Covers both negative and sub-second requests.
		decision.Seconds = 1
		decision.Source = LeaseSourceClamped
		return decision
	}

	if p.maxLease > 0 && request > p.maxLease {
		decision.Seconds = int(p.maxLease / time.Second)
		decision.Source = LeaseSourceClamped
		return decision
	}

	decision.Seconds = int(request / time.Second)
	decision.Source = LeaseSourceExplicit
	return decision
}
