package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagesentry/pagesentry/internal/core"
	"github.com/pagesentry/pagesentry/internal/domain/model"
)

const defaultResultTTL = 24 * time.Hour

// ResultStoreOptions configure a JobResultStore. Cache and Repository are
// each optional; a store with neither is a no-op that always misses.
type ResultStoreOptions struct {
	Cache      core.CacheRepository
	CacheTTL   time.Duration
	Repository core.JobResultRepository
	Logger     *slog.Logger
	JobType    model.JobType
	IsNotFound func(error) bool
}

// JobResultStore keeps rules processing results in a write-through cache
// backed by the job result table. Reads try the cache first and fall back
// to the repository.
type JobResultStore struct {
	cache      core.CacheRepository
	cacheTTL   time.Duration
	repository core.JobResultRepository
	logger     *slog.Logger
	jobType    model.JobType
	isNotFound func(error) bool
}

// NewResultStore builds a store, defaulting the TTL and job type.
func NewResultStore(opts ResultStoreOptions) *JobResultStore {
	s := &JobResultStore{
		cache:      opts.Cache,
		cacheTTL:   opts.CacheTTL,
		repository: opts.Repository,
		logger:     opts.Logger,
		jobType:    opts.JobType,
		isNotFound: opts.IsNotFound,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = defaultResultTTL
	}
	if s.jobType == "" {
		s.jobType = model.JobTypeRules
	}
	return s
}

func (s *JobResultStore) cacheKey(jobID string) string {
	return "rules:results:" + jobID
}

// Cache writes the results to the cache layer. Missing cache, empty job ID,
// or nil results are silently ignored.
func (s *JobResultStore) Cache(ctx context.Context, jobID string, results *ProcessingResults) error {
	if s == nil || s.cache == nil || results == nil || jobID == "" {
		return nil
	}
	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if err := s.cache.Set(ctx, s.cacheKey(jobID), payload, s.cacheTTL); err != nil {
		return fmt.Errorf("cache results: %w", err)
	}
	return nil
}

// Persist upserts the results into the repository so they survive cache
// eviction and restarts.
func (s *JobResultStore) Persist(ctx context.Context, job *model.Job, results *ProcessingResults) error {
	if s == nil || s.repository == nil || job == nil || results == nil {
		return nil
	}
	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	err = s.repository.Upsert(ctx, core.UpsertJobResultParams{
		JobID:   job.ID,
		JobType: s.jobType,
		Result:  payload,
	})
	if err != nil {
		return fmt.Errorf("persist results: %w", err)
	}
	return nil
}

// Get returns the results for a job, or ErrResultsNotFound.
func (s *JobResultStore) Get(ctx context.Context, jobID string) (*ProcessingResults, error) {
	if jobID == "" {
		return nil, ErrResultsNotFound
	}
	if res := s.lookupCache(ctx, jobID); res != nil {
		return res, nil
	}
	return s.lookupRepository(ctx, jobID)
}

// lookupCache treats every cache problem, including a corrupt entry, as a
// miss; the repository remains the source of truth.
func (s *JobResultStore) lookupCache(ctx context.Context, jobID string) *ProcessingResults {
	if s.cache == nil {
		return nil
	}
	payload, err := s.cache.Get(ctx, s.cacheKey(jobID))
	if err != nil || payload == nil {
		return nil
	}
	var results ProcessingResults
	if err := json.Unmarshal(payload, &results); err != nil {
		s.logger.WarnContext(ctx, "failed to unmarshal cached rules results",
			"job_id", jobID,
			"error", err)
		return nil
	}
	return &results
}

func (s *JobResultStore) lookupRepository(ctx context.Context, jobID string) (*ProcessingResults, error) {
	if s.repository == nil {
		return nil, ErrResultsNotFound
	}
	record, err := s.repository.GetByJobID(ctx, jobID)
	if err != nil {
		if s.isNotFoundErr(err) {
			return nil, ErrResultsNotFound
		}
		return nil, err
	}
	// A result row written by another job type is not ours to return.
	if record == nil || record.JobType != s.jobType {
		return nil, ErrResultsNotFound
	}
	var results ProcessingResults
	if err := json.Unmarshal(record.Result, &results); err != nil {
		return nil, fmt.Errorf("unmarshal persisted results: %w", err)
	}
	return &results, nil
}

func (s *JobResultStore) isNotFoundErr(err error) bool {
	if err == nil {
		return false
	}
	if s.isNotFound != nil && s.isNotFound(err) {
		return true
	}
	return errors.Is(err, ErrResultsNotFound)
}

var _ ResultStore = (*JobResultStore)(nil)
