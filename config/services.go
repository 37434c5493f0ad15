package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pagesentry/pagesentry/internal/domain"
	"github.com/pagesentry/pagesentry/internal/domain/model"
)

// ServiceMode names a process role this binary can run.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeRulesEngine runs the rules engine worker.
	ServiceModeRulesEngine ServiceMode = "rules-engine"
	// ServiceModeScheduler runs the job scheduler.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeReaper runs the job reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeRulesEngine,
		ServiceModeScheduler,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited list of service names into a mode
// set, rejecting unknown names.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)
	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	valid := make(map[ServiceMode]bool, len(ValidServiceModes()))
	for _, mode := range ValidServiceModes() {
		valid[mode] = true
	}

	for _, part := range strings.Split(servicesStr, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		mode := ServiceMode(name)
		if !valid[mode] {
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, rules-engine, scheduler, reaper)",
				name,
			)
		}
		services[mode] = true
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}
	return services, nil
}

// SchedulerConfig contains scheduler service configuration.
type SchedulerConfig struct {
	// BatchSize is the number of due schedules claimed per tick.
	BatchSize int `env:"SCHEDULER_BATCH_SIZE" envDefault:"25"`

	// DefaultJobType is the job type enqueued for schedules that do not
	// specify one.
	DefaultJobType model.JobType `env:"SCHEDULER_DEFAULT_JOB_TYPE" envDefault:"browser"`

	// DefaultPriority is the priority assigned to scheduled jobs.
	DefaultPriority int `env:"SCHEDULER_DEFAULT_PRIORITY" envDefault:"0"`

	// MaxRetries is the retry budget given to scheduled jobs.
	MaxRetries int `env:"SCHEDULER_MAX_RETRIES" envDefault:"3"`

	// OverrunPolicy decides what happens when a schedule fires while its
	// previous job is still in flight: skip, queue, or reschedule.
	OverrunPolicy domain.OverrunPolicy `env:"SCHEDULER_OVERRUN" envDefault:"skip"`

	// OverrunStates lists which job states block a new enqueue under
	// OverrunPolicy=skip. Comma-separated: running, pending, retrying.
	OverrunStates domain.OverrunStateMask `env:"SCHEDULER_OVERRUN_STATES" envDefault:"running"`

	// Interval is the scheduler tick interval.
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1s"`
}

// Sanitize clamps scheduler values into safe ranges.
func (s *SchedulerConfig) Sanitize() {
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.OverrunStates == 0 {
		s.OverrunStates = domain.OverrunStatesDefault
	}
}

// RulesEngineConfig contains rules engine service configuration.
type RulesEngineConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"RULES_ENGINE_CONCURRENCY" envDefault:"1"`

	// JobLease is how long a claimed rules job stays leased to a worker.
	JobLease time.Duration `env:"RULES_ENGINE_JOB_LEASE" envDefault:"30s"`

	// BatchSize is the maximum number of events processed per rules job.
	BatchSize int `env:"RULES_ENGINE_BATCH_SIZE" envDefault:"100"`

	// AutoEnqueue enqueues a rules job automatically on event ingestion.
	AutoEnqueue bool `env:"RULES_ENGINE_AUTO_ENQUEUE" envDefault:"true"`

	// AlertOnceTTL bounds how long a dedupe fingerprint suppresses repeat alerts.
	AlertOnceTTL time.Duration `env:"RULES_ENGINE_ALERT_ONCE_TTL" envDefault:"2m"`

	// AllowlistCacheTTL bounds how long fetched allowlist patterns are reused.
	AllowlistCacheTTL time.Duration `env:"RULES_ENGINE_ALLOWLIST_CACHE_TTL" envDefault:"5m"`
}

// Sanitize clamps rules engine values into safe ranges.
func (r *RulesEngineConfig) Sanitize() {
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.Concurrency < 1 {
		r.Concurrency = 1
	}
	if r.JobLease < 5*time.Second {
		r.JobLease = 5 * time.Second
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// PendingMaxAge fails jobs stuck in pending longer than this.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"1h"`

	// CompletedMaxAge is the retention window for completed jobs.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the retention window for failed jobs.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"168h"` // 7 days

	// JobResultsMaxAge is the retention window for persisted job_results
	// rows, which outlive the jobs they were produced by.
	JobResultsMaxAge time.Duration `env:"REAPER_JOB_RESULTS_MAX_AGE" envDefault:"2160h"` // 90 days

	// BatchSize bounds the rows touched per reaper operation, keeping lock
	// hold times and I/O spikes in check.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize clamps reaper values into safe ranges. The minimum intervals and
// ages keep a misconfigured reaper from hammering the database or deleting
// fresh rows.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.PendingMaxAge < 5*time.Minute {
		r.PendingMaxAge = 5 * time.Minute
	}
	if r.CompletedMaxAge < 1*time.Hour {
		r.CompletedMaxAge = 1 * time.Hour
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}
	if r.JobResultsMaxAge < 24*time.Hour {
		r.JobResultsMaxAge = 24 * time.Hour
	}

	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
