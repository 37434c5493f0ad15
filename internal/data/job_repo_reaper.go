package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pagesentry/pagesentry/internal/core"
	"github.com/pagesentry/pagesentry/internal/data/pgxutil"
)

// Advisory lock keys for reaper operations. The two-arg
// pg_try_advisory_xact_lock(major, minor) form keeps these from colliding
// with other advisory lock users.
const (
	advisoryLockReaperMajor         = 1000
	advisoryLockReaperFailPending   = 1
	advisoryLockReaperDelete        = 2
	advisoryLockReaperDeleteResults = 3
)

// reapBatch runs one reaper statement inside a transaction guarded by an
// advisory lock, so concurrent reaper instances never double-process a
// batch. When the lock is held elsewhere the call is a zero-row no-op.
func (r *JobRepo) reapBatch(
	ctx context.Context,
	lockMinor int,
	exec func(tx *sql.Tx) (sql.Result, error),
) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			err := tx.QueryRowContext(ctx,
				"SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockReaperMajor, lockMinor,
			).Scan(&locked)
			if err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			res, err := exec(tx)
			if err != nil {
				return err
			}
			rowsAffected, err = res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// FailStalePendingJobs marks pending jobs older than maxAge as failed, up to
// batchSize per call to keep lock hold times short. Returns the number of
// jobs transitioned.
func (r *JobRepo) FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	return r.reapBatch(ctx, advisoryLockReaperFailPending, func(tx *sql.Tx) (sql.Result, error) {
		now := r.timeProvider.Now()
		cutoff := now.Add(-maxAge)

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'failed',
				last_error = 'Job timed out in pending status',
				completed_at = $1,
				updated_at = $1
			WHERE id IN (
				SELECT id FROM jobs
				WHERE status = 'pending'
				  AND created_at < $2
				ORDER BY created_at
				LIMIT $3
			)
		`, now.UTC(), cutoff.UTC(), batchSize)
		if err != nil {
			return nil, fmt.Errorf("fail stale pending jobs: %w", err)
		}
		return res, nil
	})
}

// DeleteOldJobs removes terminal jobs with the given status older than
// MaxAge, up to BatchSize rows per call.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if !params.Status.Valid() {
		return 0, fmt.Errorf("invalid job status: %s", params.Status)
	}

	return r.reapBatch(ctx, advisoryLockReaperDelete, func(tx *sql.Tx) (sql.Result, error) {
		cutoff := r.timeProvider.Now().Add(-params.MaxAge).UTC()

		res, err := tx.ExecContext(ctx, `
			DELETE FROM jobs
			WHERE id IN (
				SELECT id FROM jobs
				WHERE status = $1
				  AND (completed_at < $2 OR (completed_at IS NULL AND updated_at < $2))
				ORDER BY COALESCE(completed_at, updated_at)
				LIMIT $3
			)
		`, params.Status, cutoff, params.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("delete old jobs: %w", err)
		}
		return res, nil
	})
}

// DeleteOldJobResults removes persisted job_results rows for the given job
// type older than MaxAge, up to BatchSize rows per call.
func (r *JobRepo) DeleteOldJobResults(ctx context.Context, params core.DeleteOldJobResultsParams) (int64, error) {
	if !params.JobType.Valid() {
		return 0, fmt.Errorf("invalid job type: %s", params.JobType)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	if params.MaxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}

	return r.reapBatch(ctx, advisoryLockReaperDeleteResults, func(tx *sql.Tx) (sql.Result, error) {
		cutoff := r.timeProvider.Now().Add(-params.MaxAge).UTC()

		// job_results has no surrogate id column; ctid addresses the batch.
		res, err := tx.ExecContext(ctx, `
			DELETE FROM job_results
			USING (
				SELECT ctid
				FROM job_results
				WHERE job_type = $1
				  AND updated_at < $2
				ORDER BY updated_at
				LIMIT $3
			) sub
			WHERE job_results.ctid = sub.ctid
		`, params.JobType, cutoff, params.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("delete old job_results: %w", err)
		}
		return res, nil
	})
}
