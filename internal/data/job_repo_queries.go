package data

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pagesentry/pagesentry/internal/data/pgxutil"
	"github.com/pagesentry/pagesentry/internal/domain/model"
)

const (
	listDefaultLimit = 50
	listMaxLimit     = 1000
)

func clampListLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > listMaxLimit {
		return listMaxLimit
	}
	return limit
}

// Columns shared by the enriched list queries: the job row joined with its
// event count and the owning site's name.
const enrichedJobColumns = `
	j.id, j.type, j.status, j.priority, j.payload, j.metadata,
	j.session_id, j.site_id, j.source_id, j.is_test,
	j.scheduled_at, j.started_at, j.completed_at,
	j.retry_count, j.max_retries, j.attempts, j.last_error, j.lease_expires_at,
	j.worker_id, j.created_at, j.updated_at,
	COALESCE(ec.event_count, 0) AS event_count,
	COALESCE(s.name, '') AS site_name`

const enrichedJobJoins = `
	FROM jobs j
	LEFT JOIN sites s ON s.id = j.site_id
	LEFT JOIN (
		SELECT source_job_id, COUNT(*) AS event_count
		FROM events
		GROUP BY source_job_id
	) ec ON ec.source_job_id = j.id`

// ListBySource returns jobs for a source, newest first.
func (r *JobRepo) ListBySource(ctx context.Context, params model.JobListBySourceOptions) ([]*model.Job, error) {
	if params.SourceID == "" {
		return nil, errors.New("source id is required")
	}
	limit := clampListLimit(params.Limit, listDefaultLimit)
	offset := max(params.Offset, 0)

	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE source_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	var result []*model.Job
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, params.SourceID, limit, offset)
		if err != nil {
			return fmt.Errorf("query jobs by source: %w", err)
		}
		defer rows.Close()

		vals, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Job])
		if err != nil {
			return fmt.Errorf("collect jobs by source: %w", err)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// ListRecentByType returns the most recent non-test jobs of a type with site
// names, newest first.
func (r *JobRepo) ListRecentByType(ctx context.Context, jobType model.JobType, limit int) ([]*model.JobWithSiteName, error) {
	limit = clampListLimit(limit, 5)

	query := `
		SELECT ` + enrichedJobColumns + enrichedJobJoins + `
		WHERE j.type = $1 AND NOT j.is_test
		ORDER BY j.created_at DESC, j.id DESC
		LIMIT $2
	`

	var result []*model.JobWithSiteName
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, string(jobType), limit)
		if err != nil {
			return fmt.Errorf("query jobs by type=%s: %w", jobType, err)
		}
		defer rows.Close()

		result, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.JobWithSiteName])
		if err != nil {
			return fmt.Errorf("collect jobs with site names: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// jobFilterQueryBuilder accumulates AND filters with positional args.
type jobFilterQueryBuilder struct {
	query  string
	args   []any
	argIdx int
}

func (b *jobFilterQueryBuilder) addFilter(column string, value any) {
	b.query += fmt.Sprintf(" AND %s = $%d", column, b.argIdx)
	b.args = append(b.args, value)
	b.argIdx++
}

// ListBySite returns jobs filtered by site/status/type with event counts.
func (r *JobRepo) ListBySite(ctx context.Context, opts model.JobListBySiteOptions) ([]*model.JobWithSiteName, error) {
	builder := &jobFilterQueryBuilder{
		query:  `SELECT ` + enrichedJobColumns + enrichedJobJoins + ` WHERE 1=1`,
		argIdx: 1,
	}
	if opts.SiteID != nil && *opts.SiteID != "" {
		builder.addFilter("j.site_id", *opts.SiteID)
	}
	if opts.Status != nil && *opts.Status != "" {
		builder.addFilter("j.status", *opts.Status)
	}
	if opts.Type != nil && *opts.Type != "" {
		builder.addFilter("j.type", *opts.Type)
	}
	builder.query += " ORDER BY j.created_at DESC, j.id DESC"

	return r.runEnrichedListQuery(ctx, enrichedListParams{
		Query:  builder.query,
		Args:   builder.args,
		Limit:  clampListLimit(opts.Limit, listDefaultLimit),
		Offset: max(opts.Offset, 0),
	})
}

// List returns jobs matching the global list options with event counts and
// site names.
func (r *JobRepo) List(ctx context.Context, opts *model.JobListOptions) ([]*model.JobWithSiteName, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}

	builder := &jobFilterQueryBuilder{
		query:  `SELECT ` + enrichedJobColumns + enrichedJobJoins + ` WHERE 1=1`,
		argIdx: 1,
	}
	if opts.Status != nil {
		builder.addFilter("j.status", string(*opts.Status))
	}
	if opts.Type != nil {
		builder.addFilter("j.type", string(*opts.Type))
	}
	if opts.SiteID != nil && *opts.SiteID != "" {
		builder.addFilter("j.site_id", *opts.SiteID)
	}
	if opts.IsTest != nil {
		builder.addFilter("j.is_test", *opts.IsTest)
	}
	builder.query += jobListOrderClause(opts.SortBy, opts.SortOrder)

	return r.runEnrichedListQuery(ctx, enrichedListParams{
		Query:  builder.query,
		Args:   builder.args,
		Limit:  clampListLimit(opts.Limit, listDefaultLimit),
		Offset: max(opts.Offset, 0),
	})
}

func jobListOrderClause(sortBy, sortOrder string) string {
	validSortFields := map[string]string{
		"created_at": "j.created_at",
		"status":     "j.status",
		"type":       "j.type",
	}
	dbField, ok := validSortFields[sortBy]
	if !ok {
		dbField = "j.created_at"
	}
	if sortOrder == "asc" {
		return fmt.Sprintf(" ORDER BY %s ASC, j.id ASC", dbField)
	}
	return fmt.Sprintf(" ORDER BY %s DESC, j.id DESC", dbField)
}

type enrichedListParams struct {
	Query  string
	Args   []any
	Limit  int
	Offset int
}

func (r *JobRepo) runEnrichedListQuery(ctx context.Context, p enrichedListParams) ([]*model.JobWithSiteName, error) {
	argIdx := len(p.Args) + 1
	query := p.Query + fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args := make([]any, len(p.Args), len(p.Args)+2)
	copy(args, p.Args)
	args = append(args, p.Limit, p.Offset)

	var result []*model.JobWithSiteName
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query jobs with filters: %w", err)
		}
		defer rows.Close()

		result, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.JobWithSiteName])
		if err != nil {
			return fmt.Errorf("collect enriched jobs: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}
