package rules

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/pagesentry/pagesentry/internal/core"
	"github.com/pagesentry/pagesentry/internal/domain/model"
)

const defaultDedupeTTL = 2 * time.Minute

// JobCoordinatorOptions configure a DefaultJobCoordinator. Cache is optional;
// without it every enqueue request is allowed through.
type JobCoordinatorOptions struct {
	Cache     core.CacheRepository
	TTL       time.Duration
	BatchSize int
	Logger    *slog.Logger
}

// DefaultJobCoordinator owns the enqueue-side decisions for rules jobs:
// payload encoding, dedupe locking, and batch size enforcement.
type DefaultJobCoordinator struct {
	cache     core.CacheRepository
	ttl       time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewJobCoordinator builds a coordinator, defaulting the dedupe TTL.
func NewJobCoordinator(opts JobCoordinatorOptions) *DefaultJobCoordinator {
	c := &DefaultJobCoordinator{
		cache:     opts.Cache,
		ttl:       opts.TTL,
		batchSize: opts.BatchSize,
		logger:    opts.Logger,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.ttl <= 0 {
		c.ttl = defaultDedupeTTL
	}
	return c
}

// BuildPayload marshals the enqueue request into a job payload.
func (c *DefaultJobCoordinator) BuildPayload(req *EnqueueJobRequest) ([]byte, error) {
	if req == nil {
		return nil, errors.New("build payload: request is nil")
	}
	b, err := json.Marshal(JobPayload{
		EventIDs: req.EventIDs,
		SiteID:   req.SiteID,
		Scope:    req.Scope,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// ShouldProcess acquires the dedupe lock for the request's event set and
// reports whether enqueueing should continue. Cache failures are treated as
// permission to proceed; a duplicated job is cheaper than a dropped one.
func (c *DefaultJobCoordinator) ShouldProcess(
	ctx context.Context,
	req *EnqueueJobRequest,
) (bool, error) {
	if req == nil {
		return false, errors.New("should process: request is nil")
	}
	if c.cache == nil {
		return true, nil
	}

	ok, err := c.cache.SetIfNotExists(ctx, c.dedupeKey(req), []byte("1"), c.ttl)
	if err != nil {
		c.logger.WarnContext(ctx, "dedupe lock set failed; proceeding without dedupe",
			"error", err)
		return true, nil
	}
	if !ok {
		c.logger.InfoContext(ctx, "skipping enqueue: duplicate rules job request",
			"site_id", req.SiteID,
			"scope", req.Scope,
			"event_count", len(req.EventIDs))
		return false, nil
	}
	return true, nil
}

// dedupeKey hashes the sorted event ID set so identical batches map to the
// same lock key regardless of order.
func (c *DefaultJobCoordinator) dedupeKey(req *EnqueueJobRequest) string {
	ids := make([]string, len(req.EventIDs))
	copy(ids, req.EventIDs)
	sort.Strings(ids)

	sum := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return fmt.Sprintf("rules:dedupe:rules_job:site:%s:scope:%s:events:%x",
		req.SiteID, req.Scope, sum)
}

// ParsePayload decodes a claimed job's payload.
func (c *DefaultJobCoordinator) ParsePayload(job *model.Job) (*JobPayload, error) {
	if job == nil {
		return nil, errors.New("parse payload: job is nil")
	}
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal job payload: %w", err)
	}
	return &payload, nil
}

// LimitEventIDs truncates the event ID set to the configured batch size.
func (c *DefaultJobCoordinator) LimitEventIDs(ids []string, jobID string) []string {
	if c.batchSize <= 0 || len(ids) <= c.batchSize {
		return ids
	}
	c.logger.Info("truncating event IDs to batch size",
		"from", len(ids),
		"to", c.batchSize,
		"job_id", jobID)
	out := make([]string, c.batchSize)
	copy(out, ids[:c.batchSize])
	return out
}

var _ JobCoordinator = (*DefaultJobCoordinator)(nil)
