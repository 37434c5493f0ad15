// Package reaper adapts the reaper service for standalone-process use.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagesentry/pagesentry/config"
	"github.com/pagesentry/pagesentry/internal/core"
	"github.com/pagesentry/pagesentry/internal/data"
	"github.com/pagesentry/pagesentry/internal/observability/statsd"
	"github.com/pagesentry/pagesentry/internal/service"
)

// Runner owns a wired reaper service and drives its cleanup loop.
type Runner struct {
	reaper  *service.ReaperService
	logger  *slog.Logger
	metrics statsd.Sink
}

// RunnerOptions holds the dependencies for a Runner. Repo and Metrics are
// optional; without a Repo the runner wires one from DB.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.ReaperConfig
	Logger *slog.Logger

	Repo    core.ReaperRepository
	Metrics statsd.Sink
}

// NewRunner wires the reaper service from the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && opts.Repo == nil {
		return nil, errors.New("database connection is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	repo := opts.Repo
	if repo == nil {
		repo = &reaperRepoAdapter{r: data.NewJobRepo(opts.DB, data.RepoConfig{})}
	}

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:    repo,
		Config:  opts.Config,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{
		reaper:  reaper,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Run blocks on the reaper loop until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}

// reaperRepoAdapter narrows JobRepo to the ReaperRepository surface.
type reaperRepoAdapter struct {
	r *data.JobRepo
}

func (a *reaperRepoAdapter) FailStalePendingJobs(
	ctx context.Context,
	maxAge time.Duration,
	batchSize int,
) (int64, error) {
	return a.r.FailStalePendingJobs(ctx, maxAge, batchSize)
}

func (a *reaperRepoAdapter) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	return a.r.DeleteOldJobs(ctx, params)
}

func (a *reaperRepoAdapter) DeleteOldJobResults(
	ctx context.Context,
	params core.DeleteOldJobResultsParams,
) (int64, error) {
	return a.r.DeleteOldJobResults(ctx, params)
}
