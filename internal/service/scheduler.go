// Package service provides business logic services for the pagesentry job system.
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pagesentry/pagesentry/internal/core"
	"github.com/pagesentry/pagesentry/internal/data"
	"github.com/pagesentry/pagesentry/internal/domain"
	"github.com/pagesentry/pagesentry/internal/domain/model"
	domainscheduler "github.com/pagesentry/pagesentry/internal/domain/scheduler"
)

// sitePayload carries the site attribution embedded in scan task payloads.
type sitePayload struct {
	SiteID string `json:"site_id"`
}

// SchedulerService turns due scheduled tasks into jobs. Each tick finds due
// tasks, applies the task's overrun policy, enqueues a job when the policy
// allows, and advances last_queued_at. Safe to run from concurrent replicas:
// FindDue uses FOR UPDATE SKIP LOCKED and each task is processed under a
// transaction-scoped advisory lock.
type SchedulerService struct {
	repo         core.ScheduledJobsRepository
	jobs         core.JobRepository
	cfg          core.SchedulerConfig
	timeProvider data.TimeProvider
	logger       *slog.Logger

	taskProcessor *domainscheduler.TaskProcessor
}

// SchedulerServiceOptions holds the dependencies for creating a SchedulerService.
type SchedulerServiceOptions struct {
	Repo            core.ScheduledJobsRepository
	Jobs            core.JobRepository
	JobIntrospector core.JobIntrospector
	Config          *core.SchedulerConfig
	TimeProvider    data.TimeProvider
	Logger          *slog.Logger
}

// NewSchedulerService creates a new SchedulerService with the given dependencies.
func NewSchedulerService(opts SchedulerServiceOptions) *SchedulerService {
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Config == nil {
		defaultCfg := core.DefaultSchedulerConfig()
		opts.Config = &defaultCfg
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &SchedulerService{
		repo:         opts.Repo,
		jobs:         opts.Jobs,
		cfg:          *opts.Config,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger.With("component", "scheduler"),
		taskProcessor: domainscheduler.NewTaskProcessor(domainscheduler.TaskProcessorOptions{
			DefaultPolicy: opts.Config.Strategy.Overrun,
			DefaultStates: opts.Config.Strategy.OverrunStates,
			StateReader:   opts.JobIntrospector,
		}),
	}
}

// Tick processes due scheduled tasks and enqueues jobs according to each
// task's overrun policy. Returns the number of tasks that made progress.
//
// A replica losing the advisory-lock race for a task silently skips it; the
// task is still counted as handled by whichever replica holds the lock.
func (s *SchedulerService) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.FindDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find due tasks: %w", err)
	}

	processed := 0
	for _, task := range due {
		worked := false
		lockOK, lockErr := s.repo.TryWithTaskLock(ctx, task.TaskName, func(ctx context.Context, tx *sql.Tx) error {
			w, processErr := s.processTask(ctx, tx, task)
			if w {
				worked = true
			}
			return processErr
		})
		if lockErr != nil {
			return processed, fmt.Errorf("process task %s: %w", task.TaskName, lockErr)
		}
		if lockOK && worked {
			processed++
		}
	}

	return processed, nil
}

// processTask handles a single scheduled task inside its advisory-locked
// transaction. Returns worked=true when this invocation changed something
// (advanced last_queued_at or created a job).
func (s *SchedulerService) processTask(
	ctx context.Context,
	tx *sql.Tx,
	task domain.ScheduledTask,
) (bool, error) {
	now := s.timeProvider.Now()

	if s.taskProcessor == nil {
		return false, errors.New("task processor is not configured")
	}

	result, err := s.taskProcessor.Process(ctx, domainscheduler.ProcessParams{
		Task: task,
		Now:  now,
		Store: taskStoreAdapter{
			repo: s.repo,
			tx:   tx,
		},
		Enqueuer: taskEnqueuer{
			service: s,
			tx:      tx,
		},
	})
	if err != nil {
		return false, err
	}
	if result == nil {
		return false, nil
	}
	return result.Worked, nil
}

type taskStoreAdapter struct {
	repo core.ScheduledJobsRepository
	tx   *sql.Tx
}

func (a taskStoreAdapter) MarkQueued(ctx context.Context, params domain.MarkQueuedParams) (bool, error) {
	return a.repo.MarkQueuedTx(ctx, a.tx, params)
}

func (a taskStoreAdapter) UpdateActiveFireKey(ctx context.Context, params domain.UpdateActiveFireKeyParams) error {
	return a.repo.UpdateActiveFireKeyTx(ctx, a.tx, params)
}

type taskEnqueuer struct {
	service *SchedulerService
	tx      *sql.Tx
}

func (e taskEnqueuer) Enqueue(ctx context.Context, task domain.ScheduledTask, fireKey string) (bool, error) {
	return e.service.enqueueJob(ctx, enqueueJobParams{
		Tx:      e.tx,
		Task:    task,
		FireKey: fireKey,
	})
}

type enqueueJobParams struct {
	Tx      *sql.Tx
	Task    domain.ScheduledTask
	FireKey string
}

// enqueueJob creates a new job for the scheduled task.
// Returns created=true if a new job row was inserted (not a duplicate).
func (s *SchedulerService) enqueueJob(ctx context.Context, params enqueueJobParams) (bool, error) {
	req, err := s.buildJobRequest(params.Task, params.FireKey)
	if err != nil {
		return false, fmt.Errorf("build job request: %w", err)
	}

	created, err := s.createJobIdempotent(ctx, params.Tx, req)
	if err != nil {
		return false, err
	}
	return created, nil
}

// buildJobRequest creates a CreateJobRequest with scheduler metadata and
// site attribution lifted out of the task payload.
func (s *SchedulerService) buildJobRequest(
	task domain.ScheduledTask,
	fireKey string,
) (*model.CreateJobRequest, error) {
	meta, err := s.buildSchedulerMetadata(task, fireKey)
	if err != nil {
		return nil, err
	}

	jobType := s.cfg.DefaultJobType
	if specificType, ok := jobTypeFromTaskName(task.TaskName); ok {
		jobType = specificType
	}

	req := &model.CreateJobRequest{
		Type:       jobType,
		Priority:   s.cfg.DefaultPriority,
		Payload:    task.Payload,
		Metadata:   meta,
		MaxRetries: s.cfg.MaxRetries,
		IsTest:     false,
	}

	var site sitePayload
	if len(task.Payload) > 0 {
		// Site attribution is best-effort; payloads without one are valid.
		_ = json.Unmarshal(task.Payload, &site)
	}
	if site.SiteID != "" {
		if id, parseErr := uuid.Parse(site.SiteID); parseErr == nil {
			siteID := id.String()
			req.SiteID = &siteID
		}
	}

	return req, nil
}

// createJobIdempotent creates a job, treating a unique-violation on the fire
// key as an already-enqueued no-op.
func (s *SchedulerService) createJobIdempotent(
	ctx context.Context,
	tx *sql.Tx,
	req *model.CreateJobRequest,
) (bool, error) {
	err := s.insertJob(ctx, tx, req)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("create job: %w", err)
	}
	return true, nil
}

func (s *SchedulerService) insertJob(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) error {
	if tx == nil {
		_, err := s.jobs.Create(ctx, req)
		return err
	}

	if creator, ok := s.jobs.(core.JobRepositoryTx); ok {
		_, err := creator.CreateInTx(ctx, tx, req)
		return err
	}

	if s.logger != nil {
		s.logger.WarnContext(
			ctx,
			"job repository missing transactional support; falling back to non-transactional create",
		)
	}

	_, err := s.jobs.Create(ctx, req)
	return err
}

// buildSchedulerMetadata prepares scheduler metadata with the idempotent fire key.
func (s *SchedulerService) buildSchedulerMetadata(task domain.ScheduledTask, fireKey string) (json.RawMessage, error) {
	m := map[string]any{
		"scheduler.task_name": task.TaskName,
		"scheduler.interval":  task.Interval.String(),
		"scheduler.fire_key":  fireKey,
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return json.RawMessage(b), nil
}

// jobTypeFromTaskName maps task name prefixes to specific job types so one
// scheduler can feed more than one worker pool. Returns ok=false when the
// task should use the configured default type.
func jobTypeFromTaskName(taskName string) (model.JobType, bool) {
	if strings.HasPrefix(taskName, "rules:") {
		return model.JobTypeRules, true
	}
	if strings.HasPrefix(taskName, "alert:") {
		return model.JobTypeAlert, true
	}
	return "", false
}
