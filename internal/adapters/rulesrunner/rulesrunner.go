// Package rulesrunner wires the generic job runner to the rules-evaluation
// handler. It reserves rules jobs, loads their event batches, evaluates
// contacted domains against the per-scope allowlist and the indicator host
// set, and persists a processing summary as the job result.
package rulesrunner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pagesentry/pagesentry/internal/adapters/jobrunner"
	"github.com/pagesentry/pagesentry/internal/core"
	"github.com/pagesentry/pagesentry/internal/data"
	"github.com/pagesentry/pagesentry/internal/domain/model"
	domainrules "github.com/pagesentry/pagesentry/internal/domain/rules"
	"github.com/pagesentry/pagesentry/internal/observability/statsd"
	"github.com/pagesentry/pagesentry/internal/service/failurenotifier"
	rulecache "github.com/pagesentry/pagesentry/internal/service/rules"
)

// DefaultSignatureExpressions are the JMESPath expressions used to derive
// alert dedupe fingerprints when the caller does not supply their own.
// Fingerprinting on domain and event type means one alert per distinct
// (domain, event type) pair per scope within the suppression window.
var DefaultSignatureExpressions = []string{"domain", "event_type"}

// RunnerOptions configures the rules worker.
type RunnerOptions struct {
	DB     *sql.DB
	Redis  redis.UniversalClient
	Logger *slog.Logger

	// Job processing settings, passed through to the underlying runner.
	Lease       time.Duration
	Concurrency int
	WorkerID    string

	// TTL bounds for the evaluation caches. Zero-valued fields fall back to
	// the package defaults.
	TTL rulecache.CacheTTL

	// SignatureExpressions override the dedupe fingerprint expressions.
	SignatureExpressions []string

	// Optional dependency injections (useful for tests/decoupling)
	JobsRepo        core.JobRepository
	EventsRepo      core.EventRepository
	JobResultRepo   core.JobResultRepository
	Cache           core.CacheRepository
	Allowlists      rulecache.AllowlistFetchFunc
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// Runner is the rules-evaluation worker.
type Runner struct {
	inner  *jobrunner.Runner
	logger *slog.Logger
}

// NewRunner wires the evaluation caches and the rules handler onto a job
// runner for the rules job type.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if (opts.TTL == rulecache.CacheTTL{}) {
		opts.TTL = rulecache.DefaultCacheTTL()
	}

	cache := opts.Cache
	if cache == nil && opts.Redis != nil {
		cache = data.NewRedisCacheRepo(opts.Redis)
	}

	events := opts.EventsRepo
	if events == nil {
		if opts.DB == nil {
			return nil, errors.New("either DB or EventsRepo must be provided")
		}
		events = &data.EventRepo{DB: opts.DB}
	}

	allowlists := opts.Allowlists
	if allowlists == nil {
		if opts.DB == nil {
			return nil, errors.New("either DB or Allowlists must be provided")
		}
		allowlists = data.NewDomainAllowlistRepo(opts.DB).GetForScope
	}

	jobResults := opts.JobResultRepo
	if jobResults == nil && opts.DB != nil {
		jobResults = data.NewJobResultRepo(opts.DB)
	}

	exprs := opts.SignatureExpressions
	if len(exprs) == 0 {
		exprs = DefaultSignatureExpressions
	}
	extractor, err := rulecache.NewSignatureExtractor(exprs...)
	if err != nil {
		return nil, fmt.Errorf("signature expressions: %w", err)
	}

	versioner := rulecache.NewIOCCacheVersioner(cache, "", opts.TTL.IOCVersionRefresh)
	alertOnce := rulecache.NewAlertOnceCache(
		rulecache.NewLocalLRU(rulecache.DefaultLocalLRUConfig()), cache)
	deduper, err := rulecache.NewAlertDeduper(rulecache.AlertDeduperOptions{
		Extractor: extractor,
		Versioner: versioner,
		Seen:      alertOnce,
		TTL:       opts.TTL.AlertOnce,
	})
	if err != nil {
		return nil, fmt.Errorf("alert deduper: %w", err)
	}

	proc := &processor{
		events:      events,
		coordinator: domainrules.NewJobCoordinator(domainrules.JobCoordinatorOptions{Cache: cache, Logger: logger}),
		allowlist: rulecache.NewDomainAllowlistChecker(rulecache.DomainAllowlistCheckerOptions{
			Fetch:    allowlists,
			CacheTTL: opts.TTL.Allowlist,
		}),
		deduper:   deduper,
		versioner: versioner,
		cache:     cache,
		results: domainrules.NewResultStore(domainrules.ResultStoreOptions{
			Cache:      cache,
			Repository: jobResults,
			Logger:     logger,
			IsNotFound: func(err error) bool { return errors.Is(err, data.ErrJobResultsNotFound) },
		}),
		logger:  logger,
		metrics: opts.Metrics,
	}

	inner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		DB:              opts.DB,
		Logger:          logger,
		Lease:           opts.Lease,
		Concurrency:     opts.Concurrency,
		JobType:         model.JobTypeRules,
		WorkerID:        opts.WorkerID,
		JobsRepo:        opts.JobsRepo,
		JobResultRepo:   jobResults,
		Metrics:         opts.Metrics,
		FailureNotifier: opts.FailureNotifier,
	})
	if err != nil {
		return nil, err
	}
	inner.Register(model.JobTypeRules, proc.Process)

	return &Runner{inner: inner, logger: logger}, nil
}

// Run blocks processing rules jobs until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	return r.inner.Run(ctx)
}
