// Package jobrunner provides the generic worker loop that reserves jobs of a
// single type and executes registered handlers under a heartbeat.
package jobrunner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagesentry/pagesentry/internal/core"
	"github.com/pagesentry/pagesentry/internal/data"
	"github.com/pagesentry/pagesentry/internal/domain/model"
	obserrors "github.com/pagesentry/pagesentry/internal/observability/errors"
	"github.com/pagesentry/pagesentry/internal/observability/metrics"
	"github.com/pagesentry/pagesentry/internal/observability/statsd"
	"github.com/pagesentry/pagesentry/internal/service"
	"github.com/pagesentry/pagesentry/internal/service/failurenotifier"
)

// HandlerFunc processes a job and returns error to indicate failure (which
// will be retried per policy).
type HandlerFunc func(ctx context.Context, job *model.Job) error

const (
	defaultPollMin = time.Second
	defaultPollMax = 10 * time.Second
)

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	DB     *sql.DB
	Logger *slog.Logger

	// Job processing settings
	Lease       time.Duration // per-job lease duration; defaults to 30s
	Concurrency int           // number of worker goroutines; defaults to 1
	JobType     model.JobType // which job type to process; defaults to browser
	WorkerID    string        // lease owner label; defaults to a generated id

	// Idle poll backoff bounds. Workers wake on notifications, but also poll
	// on a timer that backs off from PollMin to PollMax while the queue
	// stays empty.
	PollMin time.Duration
	PollMax time.Duration

	// Optional dependency injections (useful for tests/decoupling)
	JobsRepo        core.JobRepository
	JobResultRepo   core.JobResultRepository
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// Runner pulls jobs of one type and executes them using registered handlers.
type Runner struct {
	jobs       *service.JobService
	jobResults core.JobResultRepository
	logger     *slog.Logger
	lease      time.Duration
	jobType    model.JobType
	workerID   string
	workers    int
	pollMin    time.Duration
	pollMax    time.Duration
	handlers   map[model.JobType]HandlerFunc
	metrics    statsd.Sink
}

// NewRunner wires repositories/services and constructs a job runner for a
// single job type. Handlers are registered with Register before Run.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && opts.JobsRepo == nil {
		return nil, errors.New("either DB or JobsRepo must be provided")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lease := opts.Lease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	jt := opts.JobType
	if !jt.Valid() {
		jt = model.JobTypeBrowser
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = fmt.Sprintf("%s-runner-%s", jt, uuid.NewString()[:8])
	}
	pollMin := opts.PollMin
	if pollMin <= 0 {
		pollMin = defaultPollMin
	}
	pollMax := opts.PollMax
	if pollMax < pollMin {
		pollMax = defaultPollMax
	}

	jobsRepo := opts.JobsRepo
	if jobsRepo == nil {
		jobsRepo = data.NewJobRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
	}
	jobSvc := service.MustNewJobService(service.JobServiceOptions{
		Repo:            jobsRepo,
		DefaultLease:    lease,
		Logger:          opts.Logger,
		FailureNotifier: opts.FailureNotifier,
	})

	jobResults := opts.JobResultRepo
	if jobResults == nil && opts.DB != nil {
		jobResults = data.NewJobResultRepo(opts.DB)
	}

	return &Runner{
		jobs:       jobSvc,
		jobResults: jobResults,
		logger:     logger,
		lease:      lease,
		jobType:    jt,
		workerID:   workerID,
		workers:    workers,
		pollMin:    pollMin,
		pollMax:    pollMax,
		handlers:   make(map[model.JobType]HandlerFunc),
		metrics:    opts.Metrics,
	}, nil
}

// Register installs the handler for a job type. Jobs without a handler fail
// immediately.
func (r *Runner) Register(jobType model.JobType, h HandlerFunc) {
	r.handlers[jobType] = h
}

// Run starts worker goroutines and processes jobs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner",
		"type", r.jobType, "workers", r.workers, "lease", r.lease, "worker_id", r.workerID)

	// Derive a cancellable context that we can signal on first fatal error
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe for notifications for the job type we process
	unsub, ch := r.jobs.Subscribe(r.jobType)
	defer unsub()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx, ch); err != nil {
				// first error wins, cancels all workers
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	backoff := r.pollMin
	for ctx.Err() == nil {
		job, err := r.jobs.ReserveNext(ctx, service.ReserveRequest{
			Type:     r.jobType,
			Lease:    r.lease,
			WorkerID: r.workerID,
		})
		switch {
		case err == nil:
			backoff = r.pollMin
			if job != nil {
				r.processJob(ctx, job)
			}
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitIdle(ctx, notify, backoff) {
				return nil
			}
			backoff = min(backoff*2, r.pollMax)
		case errors.Is(err, context.Canceled):
			return nil
		default:
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return ctx.Err()
}

// waitIdle blocks until a notification arrives, the poll timer fires, or the
// context ends. Returns false when the worker should stop.
func (r *Runner) waitIdle(ctx context.Context, notify <-chan struct{}, backoff time.Duration) bool {
	timer := time.NewTimer(jitter(backoff))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	case <-timer.C:
		return true
	}
}

// jitter spreads a duration by up to +50% so idle replicas don't poll in
// lockstep.
func jitter(d time.Duration) time.Duration {
	return d + rand.N(d/2+1)
}

func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	start := time.Now()
	emit := func(transition, result string, err error) {
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			JobType:    string(job.Type),
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	h, ok := r.handlers[job.Type]
	if !ok {
		err := fmt.Errorf("no handler for job type %s", job.Type)
		r.fail(ctx, job.ID, err.Error())
		emit("failed", metrics.ResultError, err)
		return
	}

	handlerErr, leaseLost := r.runWithHeartbeat(ctx, job, h)
	if leaseLost {
		// Another worker or the reaper owns the row now; recording a failure
		// here would clobber their state.
		r.logger.WarnContext(ctx, "lease lost mid-job", "job_id", job.ID, "type", job.Type)
		emit("lease_lost", metrics.ResultError, handlerErr)
		return
	}
	if handlerErr != nil {
		r.fail(ctx, job.ID, handlerErr.Error())
		emit("failed", metrics.ResultError, handlerErr)
		return
	}
	if completed, err := r.jobs.Complete(ctx, job.ID); err != nil {
		r.logger.ErrorContext(ctx, "complete job error", "job_id", job.ID, "error", err)
		emit("completed", metrics.ResultError, err)
	} else {
		result := metrics.ResultNoop
		if completed {
			result = metrics.ResultSuccess
		}
		emit("completed", result, nil)
	}
}

// runWithHeartbeat executes the handler while extending the lease every
// lease/3. A refused or failed heartbeat cancels the handler context and
// reports the lease as lost.
func (r *Runner) runWithHeartbeat(
	ctx context.Context,
	job *model.Job,
	h HandlerFunc,
) (handlerErr error, leaseLost bool) {
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	interval := r.lease / 3
	if interval < time.Second {
		interval = time.Second
	}

	lost := make(chan struct{})
	var lostOnce sync.Once
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				ok, err := r.jobs.Heartbeat(hbCtx, job.ID, r.lease)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					r.logger.ErrorContext(hbCtx, "heartbeat error", "job_id", job.ID, "error", err)
					continue
				}
				if !ok {
					lostOnce.Do(func() { close(lost) })
					cancel()
					return
				}
			}
		}
	}()

	handlerErr = h(hbCtx, job)
	cancel()
	wg.Wait()

	select {
	case <-lost:
		return handlerErr, true
	default:
		return handlerErr, false
	}
}

func (r *Runner) fail(ctx context.Context, id, msg string) {
	_, err := r.jobs.FailWithDetails(ctx, id, msg, service.JobFailureDetails{
		ErrorClass: obserrors.Classify(errors.New(msg)),
		Metadata: map[string]string{
			"component": string(r.jobType) + "_runner",
			"worker_id": r.workerID,
		},
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "fail job error", "job_id", id, "error", err)
	}
}

// RecordResult persists handler output for later inspection. Best effort: a
// storage error is logged, not returned, so it never fails the job itself.
func (r *Runner) RecordResult(ctx context.Context, job *model.Job, result any) {
	if r.jobResults == nil || job == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		r.logger.ErrorContext(ctx, "marshal job result", "job_id", job.ID, "error", err)
		return
	}
	if upsertErr := r.jobResults.Upsert(ctx, core.UpsertJobResultParams{
		JobID:   job.ID,
		JobType: job.Type,
		Result:  payload,
	}); upsertErr != nil {
		r.logger.ErrorContext(ctx, "persist job result", "job_id", job.ID, "error", upsertErr)
	}
}
