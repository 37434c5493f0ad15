// Package data implements the durable stores backing the pagesentry job
// system: the Postgres job store, scheduled-task store, event store, and the
// Redis cache repository.
package data

import (
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotDeletable is returned when deleting a job outside the pending state.
	ErrJobNotDeletable = errors.New("job cannot be deleted (must be pending)")
	// ErrJobReserved is returned when deleting a job that still holds a lease.
	ErrJobReserved = errors.New("job is reserved and cannot be deleted")
)

const (
	defaultRetryDelay     = 30 * time.Second
	defaultHeartbeatGrace = 5 * time.Second
	// Failure messages are persisted verbatim up to this many bytes.
	maxLastErrorLen = 2048
)

// RepoConfig holds configuration for the job repository.
type RepoConfig struct {
	// RetryDelay is how far into the future a non-terminal failure is rescheduled.
	RetryDelay time.Duration
	// HeartbeatGrace extends the ownership check so a heartbeat racing its own
	// lease expiry still succeeds.
	HeartbeatGrace time.Duration
	Logger         *slog.Logger
	TimeProvider   TimeProvider
}

// JobRepo provides the durable job store over Postgres.
type JobRepo struct {
	DB             *sql.DB
	retryDelay     time.Duration
	heartbeatGrace time.Duration
	timeProvider   TimeProvider
	logger         *slog.Logger
}

// NewJobRepo creates a JobRepo with the given database handle and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	grace := cfg.HeartbeatGrace
	if grace < 0 {
		grace = defaultHeartbeatGrace
	}

	return &JobRepo{
		DB:             db,
		retryDelay:     retryDelay,
		heartbeatGrace: grace,
		timeProvider:   tp,
		logger:         cfg.Logger,
	}
}

const jobColumns = `
  id,
  type,
  status,
  priority,
  payload,
  metadata,
  session_id,
  site_id,
  source_id,
  is_test,
  scheduled_at,
  started_at,
  completed_at,
  retry_count,
  max_retries,
  attempts,
  last_error,
  lease_expires_at,
  worker_id,
  created_at,
  updated_at
`
