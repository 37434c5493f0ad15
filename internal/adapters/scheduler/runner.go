// Package scheduler provides the adapter that runs the scheduler tick loop.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/pagesentry/pagesentry/internal/core"
	"github.com/pagesentry/pagesentry/internal/data"
	obserrors "github.com/pagesentry/pagesentry/internal/observability/errors"
	"github.com/pagesentry/pagesentry/internal/observability/metrics"
	"github.com/pagesentry/pagesentry/internal/observability/statsd"
	"github.com/pagesentry/pagesentry/internal/service"
)

// Runner constructs the scheduler service and runs its tick loop at a
// configurable interval.
type Runner struct {
	scheduler core.JobScheduler
	interval  time.Duration
	logger    *slog.Logger
	metrics   statsd.Sink
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB       *sql.DB
	Config   *core.SchedulerConfig
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  statsd.Sink

	// Optional dependency injections for testing/decoupling
	Jobs            core.JobRepository
	Scheduled       core.ScheduledJobsRepository
	JobIntrospector core.JobIntrospector
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && (opts.Jobs == nil || opts.Scheduled == nil) {
		return nil, errors.New("either DB or both Jobs and Scheduled repositories are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	jobs := opts.Jobs
	if jobs == nil {
		jobs = data.NewJobRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
	}
	scheduled := opts.Scheduled
	if scheduled == nil {
		scheduled = data.NewScheduledJobsRepo(opts.DB)
	}
	introspector := opts.JobIntrospector
	if introspector == nil {
		if x, ok := jobs.(core.JobIntrospector); ok {
			introspector = x
		} else {
			introspector = data.NewJobRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
		}
	}

	svc := service.NewSchedulerService(service.SchedulerServiceOptions{
		Repo:            scheduled,
		Jobs:            jobs,
		JobIntrospector: introspector,
		Config:          opts.Config,
		Logger:          opts.Logger,
	})

	return &Runner{
		scheduler: svc,
		interval:  opts.Interval,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// Run starts the scheduler loop and runs until the context is cancelled.
// It calls Tick() at the configured interval and logs the results.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case now := <-ticker.C:
			start := time.Now()
			processed, err := r.scheduler.Tick(ctx, now)
			elapsed := time.Since(start)

			r.emitTickMetrics(processed, elapsed, err)

			if err != nil {
				// Continue running despite errors
				r.logger.ErrorContext(ctx, "scheduler tick error", "error", err)
			} else if processed > 0 {
				r.logger.DebugContext(ctx, "scheduler tick", "tasks", processed, "elapsed", elapsed)
			}
		}
	}
}

func (r *Runner) emitTickMetrics(processed int, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if processed == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	r.metrics.Count("scheduler.tick", 1, tags)

	if processed > 0 {
		r.metrics.Count("scheduler.tasks_enqueued", int64(processed), tags)
	}
	if elapsed > 0 {
		r.metrics.Timing("scheduler.tick_duration", elapsed, metrics.CloneTags(tags))
	}
	if err == nil {
		r.metrics.Gauge("scheduler.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}
