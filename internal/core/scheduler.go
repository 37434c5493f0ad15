package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/pagesentry/pagesentry/internal/domain"
	"github.com/pagesentry/pagesentry/internal/domain/model"
)

// ScheduledJobsRepository defines concurrency-safe operations for managing
// scheduled tasks.
type ScheduledJobsRepository interface {
	// FindDue finds scheduled tasks that are due for execution. Uses FOR
	// UPDATE SKIP LOCKED so concurrent schedulers never process the same
	// tasks. A task is due when last_queued_at IS NULL OR
	// last_queued_at + interval <= now.
	FindDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledTask, error)

	// FindDueTx is the transactional variant of FindDue; rows remain locked
	// until tx ends.
	FindDueTx(ctx context.Context, tx *sql.Tx, p domain.FindDueParams) ([]domain.ScheduledTask, error)

	// MarkQueued updates last_queued_at for a scheduled task. Returns
	// (true, nil) when found and updated, (false, nil) when not found.
	MarkQueued(ctx context.Context, id string, now time.Time) (bool, error)

	// MarkQueuedTx updates last_queued_at within an existing transaction.
	MarkQueuedTx(ctx context.Context, tx *sql.Tx, p domain.MarkQueuedParams) (bool, error)

	// UpdateActiveFireKeyTx sets or clears the active fire key for a task
	// within the provided transaction.
	UpdateActiveFireKeyTx(ctx context.Context, tx *sql.Tx, p domain.UpdateActiveFireKeyParams) error

	// TryWithTaskLock attempts a transaction-scoped advisory lock keyed by
	// the task name and runs fn inside the same transaction when acquired.
	// Return semantics:
	//   - (false, nil): lock not acquired; fn was not executed
	//   - (true, nil): lock acquired; fn executed and succeeded
	//   - (true, err): lock acquired; fn executed and failed with err
	TryWithTaskLock(
		ctx context.Context,
		taskName string,
		fn func(context.Context, *sql.Tx) error,
	) (bool, error)
}

// JobIntrospector inspects the job table on behalf of the scheduler's overrun
// policy. "Running" means status='running' AND lease_expires_at > now.
type JobIntrospector interface {
	// RunningJobExistsByTaskName checks for running jobs with unexpired
	// lease carrying the task name in their scheduler metadata.
	RunningJobExistsByTaskName(ctx context.Context, taskName string, now time.Time) (bool, error)
	// JobStatesByTaskName returns a bitmask describing which overrun states
	// currently exist for the task.
	JobStatesByTaskName(ctx context.Context, taskName string, now time.Time) (domain.OverrunStateMask, error)
}

// JobScheduler defines the scheduler service contract.
type JobScheduler interface {
	// Tick processes due scheduled tasks and enqueues jobs per strategy.
	// Returns the number of tasks processed.
	Tick(ctx context.Context, now time.Time) (int, error)
}

// SchedulerConfig holds configuration for the job scheduler.
type SchedulerConfig struct {
	BatchSize       int                    `json:"batch_size"`
	DefaultJobType  model.JobType          `json:"default_job_type"`
	DefaultPriority int                    `json:"default_priority"`
	MaxRetries      int                    `json:"max_retries"`
	Strategy        domain.StrategyOptions `json:"strategy"`
}

// DefaultSchedulerConfig returns a SchedulerConfig with sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchSize:       25,
		DefaultJobType:  model.JobTypeBrowser,
		DefaultPriority: 0,
		MaxRetries:      3,
		Strategy: domain.StrategyOptions{
			Overrun:       domain.OverrunPolicySkip,
			OverrunStates: domain.OverrunStatesDefault,
		},
	}
}
