package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pagesentry/pagesentry/internal/core"
	domainjob "github.com/pagesentry/pagesentry/internal/domain/job"
	"github.com/pagesentry/pagesentry/internal/domain/model"
	domainrules "github.com/pagesentry/pagesentry/internal/domain/rules"
	apperrors "github.com/pagesentry/pagesentry/internal/errors"
	"github.com/pagesentry/pagesentry/internal/observability/notify"
	"github.com/pagesentry/pagesentry/internal/service/failurenotifier"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo            core.JobRepository        // Required: job repository
	DefaultLease    time.Duration             // Required: default lease duration for jobs
	Logger          *slog.Logger              // Optional: structured logger
	FailureNotifier *failurenotifier.Service  // Optional: failure notification fan-out
	LeasePolicy     *domainjob.LeasePolicy    // Optional: override default lease policy
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
}

// JobService provides business logic for job operations including pub/sub
// notifications for long-polling workers.
type JobService struct {
	repo            core.JobRepository
	leasePolicy     *domainjob.LeasePolicy
	notifier        domainjob.Notifier
	logger          *slog.Logger
	failureNotifier *failurenotifier.Service
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(domainjob.LeasePolicyOptions{Default: opts.DefaultLease})
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
		logger.Debug("JobService initialized",
			"default_lease", leasePolicy.Default(),
		)
	}

	return &JobService{
		repo:            opts.Repo,
		leasePolicy:     leasePolicy,
		notifier:        notifier,
		logger:          logger,
		failureNotifier: opts.FailureNotifier,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when the options are known valid, e.g. in main.
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Create creates a new job with the given request parameters.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	job, err := s.repo.Create(ctx, req)
	if err != nil {
		// Classify store errors so e.g. a missing site FK surfaces as 400, not 500.
		return nil, fmt.Errorf("create job: %w", apperrors.MapDBError(err))
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job created",
			"id", job.ID,
			"type", job.Type,
			"status", job.Status,
		)
	}

	return job, nil
}

// ReserveRequest groups parameters for ReserveNext.
type ReserveRequest struct {
	Type     model.JobType
	Lease    time.Duration
	WorkerID string
}

// ReserveNext reserves the next available job of the given type for
// processing. The lease duration runs through the lease policy; zero means
// the configured default and out-of-range values are clamped.
func (s *JobService) ReserveNext(ctx context.Context, req ReserveRequest) (*model.Job, error) {
	decision := s.leasePolicy.Resolve(req.Lease)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped requested lease duration",
			"requested_duration", decision.Requested,
			"effective_seconds", decision.Seconds,
			"job_type", req.Type)
	}

	job, err := s.repo.ReserveNext(ctx, core.ReserveNextParams{
		JobType:      req.Type,
		LeaseSeconds: decision.Seconds,
		WorkerID:     req.WorkerID,
	})
	if err != nil {
		return nil, fmt.Errorf("reserve next job: %w", err)
	}

	if s.logger != nil && job != nil {
		s.logger.DebugContext(ctx, "job reserved",
			"id", job.ID,
			"type", req.Type,
			"lease_seconds", decision.Seconds,
			"attempt", job.Attempts,
		)
	}

	return job, nil
}

// Subscribe creates a subscription for job notifications of the given type.
// Returns an unsubscribe function and a channel that receives notifications.
func (s *JobService) Subscribe(jobType model.JobType) (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe(jobType)
}

// WaitForNotification waits for a notification indicating new jobs are available.
func (s *JobService) WaitForNotification(ctx context.Context, jobType model.JobType) error {
	return s.repo.WaitForNotification(ctx, jobType)
}

// Heartbeat extends the lease on a job to indicate it is still being processed.
func (s *JobService) Heartbeat(ctx context.Context, id string, extend time.Duration) (bool, error) {
	decision := s.leasePolicy.Resolve(extend)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped requested heartbeat duration",
			"requested_duration", decision.Requested,
			"effective_seconds", decision.Seconds,
			"job_id", id)
	}

	updated, err := s.repo.Heartbeat(ctx, id, decision.Seconds)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", id, err)
	}

	if s.logger != nil && updated {
		s.logger.DebugContext(ctx, "job heartbeat updated", "id", id, "extend_seconds", decision.Seconds)
	}

	return updated, nil
}

// Complete marks a job as completed successfully.
func (s *JobService) Complete(ctx context.Context, id string) (bool, error) {
	completed, err := s.repo.Complete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}

	if s.logger != nil && completed {
		s.logger.DebugContext(ctx, "job completed", "id", id)
	}

	return completed, nil
}

// Fail marks a job as failed with the given error message.
func (s *JobService) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	return s.FailWithDetails(ctx, id, errMsg, JobFailureDetails{})
}

// JobFailureDetails captures optional context for failure notifications.
type JobFailureDetails struct {
	Scope      string
	ErrorClass string
	Metadata   map[string]string
	Severity   string
	OccurredAt time.Time
}

// FailWithDetails marks a job as failed and, when the failure is terminal
// (the retry budget is exhausted), fans out a notification with the provided
// metadata.
func (s *JobService) FailWithDetails(
	ctx context.Context,
	id, errMsg string,
	details JobFailureDetails,
) (bool, error) {
	if errMsg == "" {
		return false, errors.New("error message required")
	}

	var job *model.Job
	if s.failureNotifier != nil {
		var err error
		job, err = s.repo.GetByID(ctx, id)
		if err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "failed to load job for failure notification", "job_id", id, "error", err)
		}
	}

	failed, err := s.repo.Fail(ctx, id, errMsg)
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", id, err)
	}

	if s.logger != nil && failed {
		s.logger.DebugContext(ctx, "job failed", "id", id, "error", errMsg)
	}

	if failed && s.failureNotifier != nil && failureIsTerminal(job) {
		payload := buildJobFailurePayload(jobFailurePayloadInput{
			ID:      id,
			Job:     job,
			ErrMsg:  errMsg,
			Details: details,
		})
		s.failureNotifier.NotifyJobFailure(ctx, payload)
	}

	return failed, nil
}

// failureIsTerminal reports whether this failure exhausts the job's retry
// budget. When the job could not be loaded the failure is reported anyway
// rather than silently dropped.
func failureIsTerminal(job *model.Job) bool {
	if job == nil {
		return true
	}
	if job.MaxRetries == 0 {
		return true
	}
	return job.RetryCount+1 >= job.MaxRetries
}

type jobFailurePayloadInput struct {
	ID      string
	Job     *model.Job
	ErrMsg  string
	Details JobFailureDetails
}

func buildJobFailurePayload(input jobFailurePayloadInput) notify.JobFailurePayload {
	payload := baseFailurePayload(input.ID, input.ErrMsg, input.Details)
	payload.Scope = deriveFailureScope(input.Details.Scope, input.Job)
	if input.Job != nil {
		applyJobContext(&payload, input.Job)
	}
	if payload.ErrorClass != "" {
		payload.Metadata = mergeMetadata(payload.Metadata, map[string]string{
			"error_class": payload.ErrorClass,
		})
	}

	if len(payload.Metadata) == 0 {
		payload.Metadata = nil
	}

	return payload
}

func baseFailurePayload(id, errMsg string, details JobFailureDetails) notify.JobFailurePayload {
	payload := notify.JobFailurePayload{
		JobID:      id,
		Error:      errMsg,
		ErrorClass: details.ErrorClass,
		Severity:   details.Severity,
		OccurredAt: details.OccurredAt,
		Metadata:   copyMetadata(details.Metadata),
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = time.Now()
	}

	return payload
}

func deriveFailureScope(explicit string, job *model.Job) string {
	if explicit != "" {
		return explicit
	}
	return extractScopeFromJob(job)
}

func applyJobContext(payload *notify.JobFailurePayload, job *model.Job) {
	payload.JobType = string(job.Type)
	payload.IsTest = job.IsTest
	if job.SiteID != nil {
		payload.SiteID = *job.SiteID
	}

	newRetryCount := job.RetryCount + 1
	if newRetryCount < 0 {
		newRetryCount = 0
	}

	finalStatus := model.JobStatusPending
	switch {
	case job.MaxRetries == 0:
		finalStatus = model.JobStatusFailed
	case newRetryCount >= job.MaxRetries:
		finalStatus = model.JobStatusFailed
	}

	metadata := map[string]string{
		"retry_count": strconv.Itoa(newRetryCount),
		"max_retries": strconv.Itoa(job.MaxRetries),
		"priority":    strconv.Itoa(job.Priority),
		"status":      string(finalStatus),
	}
	payload.Metadata = mergeMetadata(payload.Metadata, metadata)
}

func extractScopeFromJob(job *model.Job) string {
	if job == nil || len(job.Payload) == 0 {
		return ""
	}
	if job.Type == model.JobTypeRules {
		var payload domainrules.JobPayload
		if err := json.Unmarshal(job.Payload, &payload); err == nil {
			return payload.Scope
		}
	}
	return ""
}

func copyMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		if strings.TrimSpace(k) == "" {
			continue
		}
		if strings.TrimSpace(v) == "" {
			continue
		}
		dst[k] = v
	}
	return dst
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	out := copyMetadata(base)
	if out == nil && len(extra) == 0 {
		return nil
	}
	if out == nil {
		out = make(map[string]string, len(extra))
	}
	for k, v := range extra {
		key := strings.TrimSpace(k)
		val := strings.TrimSpace(v)
		if key == "" || val == "" {
			continue
		}
		out[key] = val
	}
	return out
}

// Stats returns statistics about jobs of the given type in different states.
func (s *JobService) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx, jobType)
	if err != nil {
		return nil, fmt.Errorf("get job stats for type %s: %w", jobType, err)
	}
	return stats, nil
}

// GetStatus returns the status information for a specific job.
func (s *JobService) GetStatus(ctx context.Context, id string) (*model.JobStatusResponse, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	return &model.JobStatusResponse{
		Status:      job.Status,
		RetryCount:  job.RetryCount,
		CompletedAt: job.CompletedAt,
		LastError:   job.LastError,
	}, nil
}

// GetByID returns a job by its ID.
func (s *JobService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job by id %s: %w", id, err)
	}
	return job, nil
}

// ListRecentByType returns the most recent jobs of the given type with site
// names and event counts. Uses an optional repository extension; returns an
// empty list when the repository does not support it.
func (s *JobService) ListRecentByType(
	ctx context.Context,
	jobType model.JobType,
	limit int,
) ([]*model.JobWithSiteName, error) {
	type lister interface {
		ListRecentByType(
			ctx context.Context,
			jobType model.JobType,
			limit int,
		) ([]*model.JobWithSiteName, error)
	}
	if lr, ok := s.repo.(lister); ok {
		jobs, err := lr.ListRecentByType(ctx, jobType, limit)
		if err != nil {
			return nil, fmt.Errorf("list recent jobs by type %s: %w", jobType, err)
		}
		return jobs, nil
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx,
			"repository does not support ListRecentByType, returning empty list",
			"type", jobType,
		)
	}
	return []*model.JobWithSiteName{}, nil
}

// paginationParams holds normalized pagination parameters.
type paginationParams struct {
	Limit  int
	Offset int
}

// normalizePagination clamps pagination parameters to safe defaults.
// Default limit: 50, max limit: 1000, min offset: 0.
func normalizePagination(limit, offset int) paginationParams {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return paginationParams{Limit: limit, Offset: offset}
}

// ListBySource returns jobs for a given source with pagination. Uses an
// optional repository extension; returns an empty list otherwise.
func (s *JobService) ListBySource(
	ctx context.Context,
	opts model.JobListBySourceOptions,
) ([]*model.Job, error) {
	if opts.SourceID == "" {
		return nil, errors.New("source id is required")
	}

	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset

	type lister interface {
		ListBySource(ctx context.Context, opts model.JobListBySourceOptions) ([]*model.Job, error)
	}
	if lr, ok := s.repo.(lister); ok {
		jobs, err := lr.ListBySource(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("list jobs by source %s: %w", opts.SourceID, err)
		}
		return jobs, nil
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx,
			"repository does not support ListBySource, returning empty list",
			"source_id", opts.SourceID,
		)
	}
	return []*model.Job{}, nil
}

// ListBySite returns jobs filtered by site/status/type with event counts.
// Uses an optional repository extension; returns an empty list otherwise.
func (s *JobService) ListBySite(
	ctx context.Context,
	opts model.JobListBySiteOptions,
) ([]*model.JobWithSiteName, error) {
	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset

	type filteredLister interface {
		ListBySite(
			ctx context.Context,
			opts model.JobListBySiteOptions,
		) ([]*model.JobWithSiteName, error)
	}
	if lr, ok := s.repo.(filteredLister); ok {
		jobs, err := lr.ListBySite(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("list jobs by site with filters: %w", err)
		}
		return jobs, nil
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "repository does not support ListBySite, returning empty list")
	}
	return []*model.JobWithSiteName{}, nil
}

// List returns jobs with optional filtering and event counts.
func (s *JobService) List(
	ctx context.Context,
	opts *model.JobListOptions,
) ([]*model.JobWithSiteName, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}
	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset

	jobs, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Delete removes a job by ID. Only jobs in pending status without an active
// lease can be deleted.
func (s *JobService) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("job id is required")
	}

	err := s.repo.Delete(ctx, id)
	if err != nil {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "failed to delete job", "id", id, "error", err)
		}
		return fmt.Errorf("delete job %s: %w", id, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job deleted", "id", id)
	}

	return nil
}

// StopAllListeners stops all active job notification listeners. Called during
// graceful shutdown to clean up goroutines.
func (s *JobService) StopAllListeners() {
	if s.logger != nil {
		s.logger.Info("stopping all job listeners")
	}

	if s.notifier != nil {
		s.notifier.StopAll()
	}
}
