package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pagesentry/pagesentry/config"
	"github.com/pagesentry/pagesentry/internal/adapters/reaper"
	"github.com/pagesentry/pagesentry/internal/adapters/rulesrunner"
	schedrunner "github.com/pagesentry/pagesentry/internal/adapters/scheduler"
	"github.com/pagesentry/pagesentry/internal/core"
	"github.com/pagesentry/pagesentry/internal/domain"
	"github.com/pagesentry/pagesentry/internal/domain/model"
	"github.com/pagesentry/pagesentry/internal/observability/statsd"
	"github.com/pagesentry/pagesentry/internal/service/failurenotifier"
	rulecache "github.com/pagesentry/pagesentry/internal/service/rules"
)

// RulesEngineConfig contains configuration for the rules engine worker.
type RulesEngineConfig struct {
	DB              *sql.DB
	RedisClient     redis.UniversalClient
	Logger          *slog.Logger
	Lease           time.Duration
	Concurrency     int
	WorkerID        string
	TTL             rulecache.CacheTTL
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// RunRulesEngine starts the rules engine worker and blocks until ctx is done.
func RunRulesEngine(ctx context.Context, cfg RulesEngineConfig) error {
	runner, err := rulesrunner.NewRunner(rulesrunner.RunnerOptions{
		DB:              cfg.DB,
		Redis:           cfg.RedisClient,
		Logger:          cfg.Logger,
		Lease:           cfg.Lease,
		Concurrency:     cfg.Concurrency,
		WorkerID:        cfg.WorkerID,
		TTL:             cfg.TTL,
		Metrics:         cfg.Metrics,
		FailureNotifier: cfg.FailureNotifier,
	})
	if err != nil {
		return fmt.Errorf("create rules runner: %w", err)
	}

	return runner.Run(ctx)
}

// SchedulerConfig contains configuration for the scheduler loop.
type SchedulerConfig struct {
	DB              *sql.DB
	Logger          *slog.Logger
	BatchSize       int
	DefaultJobType  model.JobType
	DefaultPriority int
	MaxRetries      int
	OverrunPolicy   domain.OverrunPolicy
	OverrunStates   domain.OverrunStateMask
	Interval        time.Duration
	Metrics         statsd.Sink
}

// RunScheduler starts the scheduler service.
func RunScheduler(ctx context.Context, cfg SchedulerConfig) error {
	schedulerCfg := core.SchedulerConfig{
		BatchSize:       cfg.BatchSize,
		DefaultJobType:  cfg.DefaultJobType,
		DefaultPriority: cfg.DefaultPriority,
		MaxRetries:      cfg.MaxRetries,
		Strategy: domain.StrategyOptions{
			Overrun:       cfg.OverrunPolicy,
			OverrunStates: cfg.OverrunStates,
		},
	}

	runner, err := schedrunner.NewRunner(schedrunner.RunnerOptions{
		DB:       cfg.DB,
		Config:   &schedulerCfg,
		Interval: cfg.Interval,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create scheduler runner: %w", err)
	}

	return runner.Run(ctx)
}

// ReaperConfig contains configuration for the job reaper.
type ReaperConfig struct {
	DB      *sql.DB
	Logger  *slog.Logger
	Config  config.ReaperConfig
	Metrics statsd.Sink
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
