package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/pagesentry/pagesentry/internal/core"
	"github.com/pagesentry/pagesentry/internal/domain/model"
	"github.com/pagesentry/pagesentry/internal/domain/rules"
)

// DefaultScope is the rules scope used when a job carries no site scope.
const DefaultScope = "default"

// maxRulesJobIDs caps the number of event IDs embedded in a rules job payload.
const maxRulesJobIDs = 500

// EventServiceConfig groups configuration parameters for EventService.
type EventServiceConfig struct {
	MaxBatch int // Maximum batch size for bulk operations
}

// DefaultEventServiceConfig returns sensible defaults for EventService configuration.
func DefaultEventServiceConfig() EventServiceConfig {
	return EventServiceConfig{
		MaxBatch: 1000,
	}
}

// rulesJobCreator is the slice of the job service the event service needs to
// chain a rules job onto an ingested batch.
type rulesJobCreator interface {
	GetByID(ctx context.Context, id string) (*model.Job, error)
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
}

// EventServiceOptions groups dependencies for EventService.
type EventServiceOptions struct {
	Repo   core.EventRepository // Required: event repository
	Config EventServiceConfig   // Required: service configuration
	Logger *slog.Logger         // Optional: structured logger

	// Jobs enables rules-job chaining after ingestion. Optional.
	Jobs rulesJobCreator
	// Coordinator deduplicates rules-job enqueues across replicas. Optional;
	// without one every eligible batch enqueues a rules job.
	Coordinator rules.JobCoordinator
}

// EventService stores scanner event batches and chains rules-evaluation jobs
// onto them. Chaining is best effort: a failed enqueue never fails the
// ingest, and a short-TTL dedupe key keeps concurrent replicas from
// enqueuing the same work twice.
type EventService struct {
	repo        core.EventRepository
	config      EventServiceConfig
	logger      *slog.Logger
	jobs        rulesJobCreator
	coordinator rules.JobCoordinator
}

// NewEventService constructs a new EventService.
func NewEventService(opts EventServiceOptions) (*EventService, error) {
	if opts.Repo == nil {
		return nil, errors.New("EventRepository is required")
	}
	if opts.Config.MaxBatch <= 0 {
		return nil, errors.New("MaxBatch must be positive")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "event_service")
		logger.Debug("EventService initialized", "max_batch", opts.Config.MaxBatch)
	}

	return &EventService{
		repo:        opts.Repo,
		config:      opts.Config,
		logger:      logger,
		jobs:        opts.Jobs,
		coordinator: opts.Coordinator,
	}, nil
}

// MustNewEventService constructs a new EventService and panics on error.
func MustNewEventService(opts EventServiceOptions) *EventService {
	svc, err := NewEventService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast during startup wiring when configuration is invalid
		panic(fmt.Sprintf("failed to create EventService: %v", err))
	}
	return svc
}

// MaxBatch returns the configured batch ceiling for bulk ingestion.
func (s *EventService) MaxBatch() int {
	return s.config.MaxBatch
}

// BulkInsert inserts multiple events in bulk with a uniform processing flag.
func (s *EventService) BulkInsert(
	ctx context.Context,
	req model.BulkEventRequest,
	process bool,
) (int, error) {
	count, err := s.repo.BulkInsert(ctx, req, process)
	if err != nil {
		return 0, fmt.Errorf("bulk insert events: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "bulk inserted events", "count", count, "process", process)
	}

	return count, nil
}

// BulkInsertWithProcessingFlags inserts multiple events with per-event
// processing flags, as decided by the event filter.
func (s *EventService) BulkInsertWithProcessingFlags(
	ctx context.Context,
	req model.BulkEventRequest,
	shouldProcessMap map[int]bool,
) (int, error) {
	count, err := s.repo.BulkInsertWithProcessingFlags(ctx, req, shouldProcessMap)
	if err != nil {
		return 0, fmt.Errorf("bulk insert events with processing flags: %w", err)
	}

	if s.logger != nil {
		processCount := 0
		for _, shouldProcess := range shouldProcessMap {
			if shouldProcess {
				processCount++
			}
		}
		s.logger.DebugContext(ctx, "bulk inserted events with processing flags",
			"total_count", count, "process_count", processCount)
	}

	return count, nil
}

// EnqueueRulesJob enqueues a rules-evaluation job covering the unprocessed,
// processable events of the given source job. Returns the new job's ID, or
// nil when chaining was skipped (no site, no processable events, or a
// duplicate request within the dedupe window).
func (s *EventService) EnqueueRulesJob(ctx context.Context, sourceJobID string) (*string, error) {
	if s.jobs == nil {
		return nil, errors.New("jobs service not configured")
	}
	if sourceJobID == "" {
		return nil, errors.New("source job id is required")
	}

	var (
		sourceJob *model.Job
		eventIDs  []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		job, err := s.jobs.GetByID(gctx, sourceJobID)
		if err != nil {
			return fmt.Errorf("load source job: %w", err)
		}
		sourceJob = job
		return nil
	})
	g.Go(func() error {
		ids, err := s.repo.ListUnprocessedIDsByJob(gctx, sourceJobID, maxRulesJobIDs)
		if err != nil {
			return fmt.Errorf("list processable events: %w", err)
		}
		eventIDs = ids
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if sourceJob == nil || sourceJob.SiteID == nil || *sourceJob.SiteID == "" {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "rules enqueue skipped: source job has no site",
				"job_id", sourceJobID)
		}
		return nil, nil
	}
	if len(eventIDs) == 0 {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "rules enqueue skipped: no processable events",
				"job_id", sourceJobID)
		}
		return nil, nil
	}

	req := &rules.EnqueueJobRequest{
		EventIDs: eventIDs,
		SiteID:   *sourceJob.SiteID,
		Scope:    DefaultScope,
		Priority: 50,
		IsTest:   sourceJob.IsTest,
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules job request: %w", err)
	}

	return s.createRulesJob(ctx, req)
}

func (s *EventService) createRulesJob(
	ctx context.Context,
	req *rules.EnqueueJobRequest,
) (*string, error) {
	if s.coordinator != nil {
		req.EventIDs = s.coordinator.LimitEventIDs(req.EventIDs, "")

		ok, err := s.coordinator.ShouldProcess(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("dedupe check: %w", err)
		}
		if !ok {
			return nil, nil
		}
	}

	payload, err := s.rulesJobPayload(req)
	if err != nil {
		return nil, err
	}

	siteID := req.SiteID
	job, err := s.jobs.Create(ctx, &model.CreateJobRequest{
		Type:       model.JobTypeRules,
		Payload:    payload,
		SiteID:     &siteID,
		Priority:   req.Priority,
		MaxRetries: 3,
		IsTest:     req.IsTest,
	})
	if err != nil {
		return nil, fmt.Errorf("create rules job: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "rules job enqueued",
			"job_id", job.ID,
			"events", len(req.EventIDs),
			"site_id", req.SiteID,
			"is_test", req.IsTest)
	}

	return &job.ID, nil
}

func (s *EventService) rulesJobPayload(req *rules.EnqueueJobRequest) ([]byte, error) {
	if s.coordinator != nil {
		b, err := s.coordinator.BuildPayload(req)
		if err != nil {
			return nil, fmt.Errorf("build rules payload: %w", err)
		}
		return b, nil
	}

	coordinator := rules.NewJobCoordinator(rules.JobCoordinatorOptions{})
	b, err := coordinator.BuildPayload(req)
	if err != nil {
		return nil, fmt.Errorf("build rules payload: %w", err)
	}
	return b, nil
}

// ListByJob lists events for a given job with pagination.
func (s *EventService) ListByJob(
	ctx context.Context,
	opts model.EventListByJobOptions,
) ([]*model.Event, error) {
	normalized := opts
	if normalized.Limit <= 0 {
		normalized.Limit = 50
	}
	if normalized.Limit > 1000 {
		normalized.Limit = 1000
	}
	if normalized.Offset < 0 {
		normalized.Offset = 0
	}

	events, err := s.repo.ListByJob(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("list events by job %s: %w", opts.JobID, err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "listed events by job",
			"job_id", opts.JobID,
			"limit", normalized.Limit,
			"offset", normalized.Offset,
			"count", len(events))
	}

	return events, nil
}

// CountByJob returns the total count of events for a job with the same
// optional filters as ListByJob.
func (s *EventService) CountByJob(
	ctx context.Context,
	opts model.EventListByJobOptions,
) (int, error) {
	count, err := s.repo.CountByJob(ctx, opts)
	if err != nil {
		return 0, fmt.Errorf("count events by job %s: %w", opts.JobID, err)
	}
	return count, nil
}

// GetByIDs retrieves events by their IDs.
func (s *EventService) GetByIDs(ctx context.Context, ids []string) ([]*model.Event, error) {
	events, err := s.repo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get events by ids: %w", err)
	}
	return events, nil
}

// MarkProcessedByIDs marks the given events as processed by the rules engine.
func (s *EventService) MarkProcessedByIDs(ctx context.Context, ids []string) (int, error) {
	count, err := s.repo.MarkProcessedByIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("mark events processed: %w", err)
	}
	return count, nil
}
