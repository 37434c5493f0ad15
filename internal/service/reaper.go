package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagesentry/pagesentry/config"
	"github.com/pagesentry/pagesentry/internal/core"
	"github.com/pagesentry/pagesentry/internal/domain/model"
	obserrors "github.com/pagesentry/pagesentry/internal/observability/errors"
	"github.com/pagesentry/pagesentry/internal/observability/metrics"
	"github.com/pagesentry/pagesentry/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo    core.ReaperRepository // Required: reaper repository
	Config  config.ReaperConfig   // Required: reaper configuration
	Logger  *slog.Logger          // Optional: structured logger
	Metrics statsd.Sink           // Optional: metrics sink (StatsD-compatible)
}

// ReaperService keeps the jobs tables bounded. On each tick it fails pending
// jobs that were never picked up, deletes old terminal jobs, and prunes
// persisted job results. All operations run in bounded batches under
// advisory locks so concurrent replicas do not step on each other.
type ReaperService struct {
	repo    core.ReaperRepository
	config  config.ReaperConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"pending_max_age", opts.Config.PendingMaxAge,
			"completed_max_age", opts.Config.CompletedMaxAge,
			"failed_max_age", opts.Config.FailedMaxAge,
		)
	}

	return &ReaperService{
		repo:    opts.Repo,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Jitter startup so replicas launched together do not tick in lockstep.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.runCleanup(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.runCleanup(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
				// Keep running despite errors; the next tick retries.
			}
		}
	}
}

// waitWithJitter delays startup by up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// cleanupStep is one bounded-batch cleanup operation. The batch function
// returns the number of rows affected by one batch; the step drains batches
// until a batch comes back empty.
type cleanupStep struct {
	operation string
	label     string
	batch     func(context.Context) (int64, error)
}

type cleanupStepResult struct {
	operation string
	count     int64
	err       error
}

// runCleanup performs all cleanup operations for one tick.
func (s *ReaperService) runCleanup(ctx context.Context) error {
	start := time.Now()

	steps := []cleanupStep{
		{
			operation: "fail_pending",
			label:     "fail stale pending jobs",
			batch: func(ctx context.Context) (int64, error) {
				return s.repo.FailStalePendingJobs(ctx, s.config.PendingMaxAge, s.config.BatchSize)
			},
		},
		{
			operation: "delete_completed",
			label:     "delete old completed jobs",
			batch: func(ctx context.Context) (int64, error) {
				return s.repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
					Status:    model.JobStatusCompleted,
					MaxAge:    s.config.CompletedMaxAge,
					BatchSize: s.config.BatchSize,
				})
			},
		},
		{
			operation: "delete_failed",
			label:     "delete old failed jobs",
			batch: func(ctx context.Context) (int64, error) {
				return s.repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
					Status:    model.JobStatusFailed,
					MaxAge:    s.config.FailedMaxAge,
					BatchSize: s.config.BatchSize,
				})
			},
		},
		{
			operation: "delete_job_results",
			label:     "delete old job results",
			batch:     s.deleteOldJobResultsBatch(),
		},
	}

	var (
		errs    []error
		results = make([]cleanupStepResult, 0, len(steps))
	)
	for _, step := range steps {
		count, err := s.drainBatches(ctx, step.batch)
		results = append(results, cleanupStepResult{
			operation: step.operation,
			count:     count,
			err:       suppressContextCancellation(err),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.label, err))
		}
		if count > 0 && err == nil && s.logger != nil {
			s.logger.InfoContext(ctx, step.label, "count", count)
		}
	}

	s.emitCleanupMetrics(results, time.Since(start))

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if isContextCancellation(joined) {
			return context.Canceled
		}
		return fmt.Errorf("cleanup failed: %w", joined)
	}

	return nil
}

// drainBatches runs batch until an empty batch, an error, or context
// cancellation, summing the affected-row counts.
func (s *ReaperService) drainBatches(
	ctx context.Context,
	batch func(context.Context) (int64, error),
) (int64, error) {
	var total int64
	for {
		count, err := batch(ctx)
		total += count
		if err != nil {
			return total, err
		}
		if count == 0 {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

// deleteOldJobResultsBatch iterates the job types that persist execution
// summaries. A single "batch" here covers one round across all types; the
// outer drain loop keeps going while any type still has rows to delete.
func (s *ReaperService) deleteOldJobResultsBatch() func(context.Context) (int64, error) {
	jobTypes := []model.JobType{
		model.JobTypeAlert,
		model.JobTypeRules,
	}

	return func(ctx context.Context) (int64, error) {
		var roundTotal int64
		for _, jobType := range jobTypes {
			count, err := s.repo.DeleteOldJobResults(ctx, core.DeleteOldJobResultsParams{
				JobType:   jobType,
				MaxAge:    s.config.JobResultsMaxAge,
				BatchSize: s.config.BatchSize,
			})
			roundTotal += count
			if err != nil {
				return roundTotal, err
			}
		}
		return roundTotal, nil
	}
}

func (s *ReaperService) emitCleanupMetrics(results []cleanupStepResult, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}

	var (
		totalCount int64
		firstErr   error
	)
	for _, r := range results {
		totalCount += r.count
		if firstErr == nil && r.err != nil {
			firstErr = r.err
		}
	}

	result := metrics.ResultSuccess
	if firstErr != nil {
		result = metrics.ResultError
	} else if totalCount == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{"result": result}
	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", elapsed, metrics.CloneTags(tags))
	}

	for _, r := range results {
		s.emitCleanupOperationMetric(r)
	}

	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *ReaperService) emitCleanupOperationMetric(r cleanupStepResult) {
	result := metrics.ResultSuccess
	if r.err != nil {
		result = metrics.ResultError
	} else if r.count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": r.operation,
		"result":    result,
	}
	if r.err != nil {
		if class := obserrors.Classify(r.err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup_operation", 1, tags)
	if r.err == nil && r.count > 0 {
		s.metrics.Count("reaper.jobs_processed", r.count, metrics.CloneTags(tags))
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
