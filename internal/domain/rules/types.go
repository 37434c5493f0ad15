// Package rules holds the domain types shared between event ingestion and
// the rules-evaluation workers: enqueue requests, job payloads, processing
// result summaries, and the coordinator that deduplicates enqueues.
package rules

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pagesentry/pagesentry/internal/domain/model"
)

var (
	// ErrDuplicateEnqueue indicates a rules job enqueue request was a duplicate and should be skipped.
	ErrDuplicateEnqueue = errors.New("duplicate rules job request")
	// ErrResultsNotFound indicates no cached rules results were found for a job.
	ErrResultsNotFound = errors.New("rules results not found")
	// ErrEvaluationFailed indicates rule evaluation encountered errors that should surface to callers.
	ErrEvaluationFailed = errors.New("rule evaluation failed")
)

// EnqueueJobRequest represents a request to enqueue a rules processing job.
type EnqueueJobRequest struct {
	EventIDs []string `json:"event_ids"`
	SiteID   string   `json:"site_id"`
	Scope    string   `json:"scope"`
	Priority int      `json:"priority,omitempty"`
	IsTest   bool     `json:"is_test,omitempty"`
}

// Validate validates the enqueue rules job request.
func (r *EnqueueJobRequest) Validate() error {
	if len(r.EventIDs) == 0 {
		return errors.New("event_ids is required")
	}
	if r.SiteID == "" {
		return errors.New("site_id is required")
	}
	if r.Scope == "" {
		return errors.New("scope is required")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	return nil
}

// JobPayload represents the payload for a rules processing job.
type JobPayload struct {
	EventIDs []string `json:"event_ids"`
	SiteID   string   `json:"site_id"`
	Scope    string   `json:"scope"`
}

// ProcessingResults summarizes one rules job's evaluation pass. Persisted as
// the job's result row and cached for status reads.
type ProcessingResults struct {
	AlertsCreated     int                  `json:"alerts_created"`
	DomainsProcessed  int                  `json:"domains_processed"`
	EventsSkipped     int                  `json:"events_skipped"`
	ProcessingTime    time.Duration        `json:"processing_time"`
	UnknownDomains    int                  `json:"unknown_domains"`
	IOCHostMatches    int                  `json:"ioc_host_matches"`
	ErrorsEncountered int                  `json:"errors_encountered"`
	UnknownDomain     UnknownDomainMetrics `json:"unknown_domain"`
	IOC               IOCMetrics           `json:"ioc"`
}

// MetricsSampleLimit caps the number of unique sample domains kept per bucket.
const MetricsSampleLimit = 10

// MetricsBucket captures counts and sample domains for rules metrics.
type MetricsBucket struct {
	Count   int      `json:"count"`
	Samples []string `json:"samples,omitempty"`
}

// Record tracks a domain sample within the bucket, up to MetricsSampleLimit unique entries.
func (b *MetricsBucket) Record(domain string) {
	if b == nil {
		return
	}
	b.Count++
	appendSample(&b.Samples, domain)
}

// Merge combines another bucket into this bucket.
func (b *MetricsBucket) Merge(other MetricsBucket) {
	if b == nil {
		return
	}
	b.Count += other.Count
	for _, sample := range other.Samples {
		appendSample(&b.Samples, sample)
	}
}

func appendSample(samples *[]string, domain string) {
	if samples == nil {
		return
	}
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return
	}
	for _, existing := range *samples {
		if strings.EqualFold(existing, domain) {
			return
		}
	}
	if len(*samples) < MetricsSampleLimit {
		*samples = append(*samples, domain)
	}
}

// UnknownDomainMetrics tracks outcomes specific to unknown domain evaluations.
type UnknownDomainMetrics struct {
	Alerted             MetricsBucket `json:"alerted"`
	SuppressedAllowlist MetricsBucket `json:"suppressed_allowlist"`
	SuppressedSeen      MetricsBucket `json:"suppressed_seen"`
	SuppressedDedupe    MetricsBucket `json:"suppressed_dedupe"`
	NormalizationFailed MetricsBucket `json:"normalization_failed"`
	Errors              MetricsBucket `json:"errors"`
}

// Merge combines another set of unknown-domain metrics into this one.
func (m *UnknownDomainMetrics) Merge(other UnknownDomainMetrics) {
	if m == nil {
		return
	}
	m.Alerted.Merge(other.Alerted)
	m.SuppressedAllowlist.Merge(other.SuppressedAllowlist)
	m.SuppressedSeen.Merge(other.SuppressedSeen)
	m.SuppressedDedupe.Merge(other.SuppressedDedupe)
	m.NormalizationFailed.Merge(other.NormalizationFailed)
	m.Errors.Merge(other.Errors)
}

// IOCMetrics tracks outcomes specific to IOC evaluations.
type IOCMetrics struct {
	Matches     MetricsBucket `json:"matches"`
	Alerts      MetricsBucket `json:"alerts"`
	AlertsMuted MetricsBucket `json:"alerts_muted"`
}

// Merge combines another set of IOC metrics into this one.
func (m *IOCMetrics) Merge(other IOCMetrics) {
	if m == nil {
		return
	}
	m.Matches.Merge(other.Matches)
	m.Alerts.Merge(other.Alerts)
	m.AlertsMuted.Merge(other.AlertsMuted)
}

// ResultStore persists and retrieves processing results.
type ResultStore interface {
	Cache(ctx context.Context, jobID string, results *ProcessingResults) error
	Persist(ctx context.Context, job *model.Job, results *ProcessingResults) error
	Get(ctx context.Context, jobID string) (*ProcessingResults, error)
}

// JobCoordinator encapsulates rules job request orchestration concerns.
type JobCoordinator interface {
	BuildPayload(req *EnqueueJobRequest) ([]byte, error)
	ShouldProcess(ctx context.Context, req *EnqueueJobRequest) (bool, error)
	ParsePayload(job *model.Job) (*JobPayload, error)
	LimitEventIDs(ids []string, jobID string) []string
}
