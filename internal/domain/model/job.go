// Package model defines the core data types shared across the pagesentry job system.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/pagesentry/pagesentry/internal/errors"
)

// JobType identifies the worker role a job is dispatched to.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	// JobTypeBrowser is a headless-browser scan job.
	JobTypeBrowser JobType = "browser"
	// JobTypeRules is a rules-evaluation job over captured scan events.
	JobTypeRules JobType = "rules"
	// JobTypeAlert is an outbound alert dispatch job.
	JobTypeAlert JobType = "alert"
	// JobTypeSecretRefresh is a credential rotation job.
	JobTypeSecretRefresh JobType = "secret_refresh"

	// JobStatusPending indicates a job is waiting to be reserved.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates a worker holds the job's lease.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job finished successfully. Terminal.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job exhausted its retry budget. Terminal.
	JobStatusFailed JobStatus = "failed"
)

// ErrNoJobsAvailable is returned by reservation when no ready job exists.
var ErrNoJobsAvailable = errors.New("no jobs available")

// UnmarshalText implements encoding.TextUnmarshaler so JobType parses from env vars.
func (t *JobType) UnmarshalText(text []byte) error {
	v := JobType(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid job type: %q", string(text))
	}
	*t = v
	return nil
}

// Valid reports whether the JobType is one of the closed set.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeBrowser, JobTypeRules, JobTypeAlert, JobTypeSecretRefresh:
		return true
	default:
		return false
	}
}

// Valid reports whether the JobStatus is a known state.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is the central durable work unit. Rows are owned exclusively by the
// job store; everything else goes through it.
type Job struct {
	ID             string          `json:"id"                         db:"id"`
	Type           JobType         `json:"type"                       db:"type"`
	Status         JobStatus       `json:"status"                     db:"status"`
	Priority       int             `json:"priority"                   db:"priority"`
	Payload        json.RawMessage `json:"payload"                    db:"payload"`
	Metadata       json.RawMessage `json:"metadata"                   db:"metadata"`
	SessionID      *string         `json:"session_id,omitempty"       db:"session_id"`
	SiteID         *string         `json:"site_id,omitempty"          db:"site_id"`
	SourceID       *string         `json:"source_id,omitempty"        db:"source_id"`
	IsTest         bool            `json:"is_test"                    db:"is_test"`
	ScheduledAt    time.Time       `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	RetryCount     int             `json:"retry_count"                db:"retry_count"`
	MaxRetries     int             `json:"max_retries"                db:"max_retries"`
	Attempts       int             `json:"attempts"                   db:"attempts"`
	LastError      *string         `json:"last_error,omitempty"       db:"last_error"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	WorkerID       *string         `json:"worker_id,omitempty"        db:"worker_id"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// CreateJobRequest carries the caller-supplied fields for a new job.
type CreateJobRequest struct {
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	SessionID   *string         `json:"session_id,omitempty"`
	SiteID      *string         `json:"site_id,omitempty"`
	SourceID    *string         `json:"source_id,omitempty"`
	IsTest      bool            `json:"is_test,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	MaxRetries  int             `json:"max_retries"`
}

// Validate checks the request fields against the store's invariants.
func (r *CreateJobRequest) Validate() error {
	if !r.Type.Valid() {
		return apperrors.ValidationField("type", "invalid job type")
	}
	if len(r.Payload) == 0 {
		return apperrors.ValidationField("payload", "payload is required")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return apperrors.ValidationField("priority", "priority must be between 0 and 100")
	}
	if r.MaxRetries < 0 {
		return apperrors.ValidationField("max_retries", "max retries must be >= 0")
	}
	return nil
}

// JobStats counts jobs per lifecycle state for one job type.
type JobStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// JobStatusResponse is the read-side projection served by the status endpoint.
type JobStatusResponse struct {
	Status      JobStatus  `json:"status"`
	RetryCount  int        `json:"retry_count"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}

// BulkEventRequest is the normalized form of a scanner event batch.
type BulkEventRequest struct {
	SessionID   string     `json:"session_id"`
	SourceJobID *string    `json:"source_job_id,omitempty"`
	Events      []RawEvent `json:"events"`
}

// RawEvent is a single normalized scanner observation.
type RawEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Priority  *int            `json:"priority,omitempty"`
}

// Validate checks the bulk request against the configured batch ceiling.
func (r *BulkEventRequest) Validate(maxBatch int) error {
	if r.SessionID == "" {
		return apperrors.ValidationField("session_id", "session id is required")
	}
	if len(r.Events) == 0 {
		return apperrors.ValidationField("events", "events is required")
	}
	if len(r.Events) > maxBatch {
		return apperrors.ValidationField("events", "max batch size exceeded")
	}
	if r.SourceJobID != nil && *r.SourceJobID != "" {
		if _, err := uuid.Parse(*r.SourceJobID); err != nil {
			return apperrors.ValidationField("source_job_id", "source job id must be a valid UUID")
		}
	}
	for i := range r.Events {
		if r.Events[i].Type == "" {
			return apperrors.ValidationField("events", "event type is required")
		}
		if r.Events[i].Timestamp.IsZero() {
			return apperrors.ValidationField("events", "event timestamp is required")
		}
	}
	return nil
}

// ScanEventBatch is the wire format the browser scanner posts to /api/events/bulk.
type ScanEventBatch struct {
	BatchID   string      `json:"batchId"`
	SessionID string      `json:"sessionId"`
	Events    []ScanEvent `json:"events"`
	Metadata  ScanBatchMetadata
}

// UnmarshalJSON accepts the scanner's camelCase envelope.
func (b *ScanEventBatch) UnmarshalJSON(data []byte) error {
	type alias struct {
		BatchID   string            `json:"batchId"`
		SessionID string            `json:"sessionId"`
		Events    []ScanEvent       `json:"events"`
		Metadata  ScanBatchMetadata `json:"batchMetadata"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	b.BatchID = a.BatchID
	b.SessionID = a.SessionID
	b.Events = a.Events
	b.Metadata = a.Metadata
	return nil
}

// ScanEvent is one browser observation inside a scanner batch.
type ScanEvent struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params ScanEventParams `json:"params"`
	Hints  ScanEventHints  `json:"metadata"`
}

// ScanEventParams carries payload and attribution for a scan event.
type ScanEventParams struct {
	// Timestamp is milliseconds since epoch, as emitted by the scanner.
	Timestamp int64           `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	URL       string          `json:"url,omitempty"`
	UserAgent string          `json:"userAgent,omitempty"`
	Payload   map[string]any  `json:"payload"`
}

// ScanEventHints carries the scanner's processing hints for an event.
type ScanEventHints struct {
	Category        string         `json:"category"`
	Tags            []string       `json:"tags"`
	ProcessingHints map[string]any `json:"processingHints"`
	SequenceNumber  int            `json:"sequenceNumber"`
}

// ScanBatchMetadata carries batch-level bookkeeping, including the owning job id.
type ScanBatchMetadata struct {
	CreatedAt  int64  `json:"createdAt"`
	EventCount int    `json:"eventCount"`
	JobID      string `json:"jobId,omitempty"`
}

// Event is a persisted scanner observation.
type Event struct {
	ID            string          `json:"id"                      db:"id"`
	SessionID     string          `json:"session_id"              db:"session_id"`
	SourceJobID   *string         `json:"source_job_id,omitempty" db:"source_job_id"`
	EventType     string          `json:"event_type"              db:"event_type"`
	EventData     json.RawMessage `json:"event_data,omitempty"    db:"event_data"`
	Metadata      json.RawMessage `json:"metadata,omitempty"      db:"metadata"`
	Priority      int             `json:"priority,omitempty"      db:"priority"`
	ShouldProcess bool            `json:"should_process"          db:"should_process"`
	Processed     bool            `json:"processed"               db:"processed"`
	CreatedAt     time.Time       `json:"created_at"              db:"created_at"`
}
