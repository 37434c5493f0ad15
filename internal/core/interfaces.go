// Package core defines the service-layer contracts of the job orchestration
// system. Services depend on these interfaces, never on the concrete data
// layer.
package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/pagesentry/pagesentry/internal/domain/model"
)

// ReserveNextParams groups parameters for JobRepository.ReserveNext.
type ReserveNextParams struct {
	JobType      model.JobType
	LeaseSeconds int
	// WorkerID identifies the reserving worker for observability; optional.
	WorkerID string
}

// DeleteByPayloadFieldParams groups parameters for DeleteByPayloadField.
type DeleteByPayloadFieldParams struct {
	JobType    model.JobType
	FieldName  string
	FieldValue string
}

// JobRepository defines the contract for job queue persistence.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)

	// ReserveNext atomically claims the next ready job of the given type and
	// transitions it to running under a lease. Returns
	// model.ErrNoJobsAvailable when nothing is ready.
	ReserveNext(ctx context.Context, params ReserveNextParams) (*model.Job, error)

	// WaitForNotification blocks until a job-added notification arrives for
	// the job type or ctx is done.
	WaitForNotification(ctx context.Context, jobType model.JobType) error

	// Heartbeat extends the lease of a running job. Returns false when the
	// job is no longer running or its lease expired beyond the grace window.
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)

	// Complete transitions a running job to completed. Returns false when
	// the job was not in a completable state.
	Complete(ctx context.Context, id string) (bool, error)

	// Fail records a failure, requeueing with a retry delay while the retry
	// budget lasts and otherwise transitioning to failed.
	Fail(ctx context.Context, id, errMsg string) (bool, error)

	Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error)
	List(ctx context.Context, opts *model.JobListOptions) ([]*model.JobWithSiteName, error)

	// Delete removes a pending, unleased job. Returns ErrJobNotFound or
	// ErrJobNotDeletable otherwise.
	Delete(ctx context.Context, id string) error
	DeleteByPayloadField(ctx context.Context, params DeleteByPayloadFieldParams) (int, error)
}

// JobRepositoryTx defines optional transactional job creation support.
type JobRepositoryTx interface {
	CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) (*model.Job, error)
}

// UpsertJobResultParams groups parameters for JobResultRepository.Upsert.
type UpsertJobResultParams struct {
	JobID   string
	JobType model.JobType
	Result  []byte
}

// JobResultRepository defines the contract for persisted job result data.
type JobResultRepository interface {
	Upsert(ctx context.Context, params UpsertJobResultParams) error
	GetByJobID(ctx context.Context, jobID string) (*model.JobResult, error)
	ListByType(ctx context.Context, jobType model.JobType, limit int) ([]*model.JobResult, error)
}

// EventRepository defines the contract for scan event persistence.
type EventRepository interface {
	BulkInsert(ctx context.Context, req model.BulkEventRequest, process bool) (int, error)
	BulkInsertWithProcessingFlags(
		ctx context.Context,
		req model.BulkEventRequest,
		shouldProcessMap map[int]bool,
	) (int, error)
	ListByJob(ctx context.Context, opts model.EventListByJobOptions) ([]*model.Event, error)
	CountByJob(ctx context.Context, opts model.EventListByJobOptions) (int, error)
	GetByIDs(ctx context.Context, eventIDs []string) ([]*model.Event, error)
	// ListUnprocessedIDsByJob returns IDs of events flagged for processing
	// but not yet processed for the given source job, oldest first.
	ListUnprocessedIDsByJob(ctx context.Context, jobID string, limit int) ([]string, error)
	// MarkProcessedByIDs sets processed=true for the given event IDs and
	// returns the number of rows updated.
	MarkProcessedByIDs(ctx context.Context, eventIDs []string) (int, error)
}

// DeleteOldJobsParams groups parameters for DeleteOldJobs.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// DeleteOldJobResultsParams groups parameters for DeleteOldJobResults.
type DeleteOldJobResultsParams struct {
	JobType   model.JobType
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines the contract for job cleanup operations.
type ReaperRepository interface {
	// FailStalePendingJobs marks pending jobs older than maxAge as failed,
	// up to batchSize per call. Returns the number of jobs marked.
	FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)

	// DeleteOldJobs deletes jobs with the given status older than maxAge,
	// up to batchSize per call. Returns the number of jobs deleted.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)

	// DeleteOldJobResults deletes job_results rows for the given job type
	// older than maxAge, up to batchSize per call.
	DeleteOldJobResults(ctx context.Context, params DeleteOldJobResultsParams) (int64, error)
}
