package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pagesentry/pagesentry/internal/core"
	"github.com/pagesentry/pagesentry/internal/data/pgxutil"
	"github.com/pagesentry/pagesentry/internal/domain/model"
)

const jobResultColumns = "job_id, job_type, result, created_at, updated_at"

// JobResultRepo persists job execution results. Rows outlive their jobs so
// delivery history survives job reaping.
type JobResultRepo struct {
	DB *sql.DB
}

// NewJobResultRepo constructs a JobResultRepo.
func NewJobResultRepo(db *sql.DB) *JobResultRepo {
	return &JobResultRepo{DB: db}
}

// Upsert writes the result for a job, replacing any earlier attempt's row.
func (r *JobResultRepo) Upsert(ctx context.Context, params core.UpsertJobResultParams) error {
	if r == nil || r.DB == nil {
		return ErrJobResultsNotConfigured
	}
	if params.JobID == "" {
		return ErrJobIDRequired
	}
	const query = `
		INSERT INTO job_results (job_id, job_type, result, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (job_id)
		DO UPDATE SET
			job_type = EXCLUDED.job_type,
			result = EXCLUDED.result,
			updated_at = now();`
	if _, err := r.DB.ExecContext(ctx, query, params.JobID, params.JobType, params.Result); err != nil {
		return fmt.Errorf("upsert job_results: %w", err)
	}
	return nil
}

// GetByJobID returns the result row for a job, or ErrJobResultsNotFound.
func (r *JobResultRepo) GetByJobID(ctx context.Context, jobID string) (*model.JobResult, error) {
	if r == nil || r.DB == nil {
		return nil, ErrJobResultsNotConfigured
	}
	if jobID == "" {
		return nil, ErrJobIDRequired
	}

	query := "SELECT " + jobResultColumns + " FROM job_results WHERE job_id = $1"

	rows, err := r.collect(ctx, query, jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobResultsNotFound
		}
		return nil, fmt.Errorf("get job_results: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrJobResultsNotFound
	}
	return rows[0], nil
}

// ListByType returns recent results for a job type, newest first.
func (r *JobResultRepo) ListByType(ctx context.Context, jobType model.JobType, limit int) ([]*model.JobResult, error) {
	if r == nil || r.DB == nil {
		return nil, ErrJobResultsNotConfigured
	}
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT " + jobResultColumns + ` FROM job_results
		WHERE job_type = $1
		ORDER BY updated_at DESC
		LIMIT $2`

	rows, err := r.collect(ctx, query, jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("list job_results: %w", err)
	}
	return rows, nil
}

// collect runs a query over a pgx connection and scans every row into a
// JobResult by column name.
func (r *JobResultRepo) collect(ctx context.Context, query string, args ...any) ([]*model.JobResult, error) {
	var out []*model.JobResult
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.JobResult])
		if err != nil {
			return err
		}
		for i := range collected {
			out = append(out, &collected[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
