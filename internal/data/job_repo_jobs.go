package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/pagesentry/pagesentry/internal/core"
	"github.com/pagesentry/pagesentry/internal/data/pgxutil"
	"github.com/pagesentry/pagesentry/internal/domain"
	"github.com/pagesentry/pagesentry/internal/domain/model"
)

// Reservation SQL. The CTE picks the single best ready row under SKIP LOCKED
// so concurrent workers never observe the same id; the UPDATE flips it to
// running, stamps the lease, and bumps the attempt counter in one statement.
// Tie-break order gives a total, deterministic ordering.
var reserveNextSQL = `
  WITH candidate AS (
    SELECT id FROM jobs
    WHERE type = $1
      AND status = 'pending'
      AND scheduled_at <= $2
      AND (lease_expires_at IS NULL OR lease_expires_at <= $2)
    ORDER BY priority DESC, scheduled_at ASC, created_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'running',
    started_at = COALESCE(j.started_at, $3),
    lease_expires_at = $4,
    attempts = j.attempts + 1,
    worker_id = $5,
    updated_at = $3
  FROM candidate
  WHERE j.id = candidate.id
  RETURNING ` + prefixedJobColumns("j")

func prefixedJobColumns(alias string) string {
	cols := strings.Split(jobColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// insertJobParams groups the prepared values for a job insert.
type insertJobParams struct {
	Req        *model.CreateJobRequest
	Payload    []byte
	Meta       []byte
	MaxRetries int
}

// Create inserts a new pending job and publishes its availability
// notification inside the same transaction.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	params, err := r.prepareJobData(req)
	if err != nil {
		return nil, err
	}

	var job *model.Job
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			var insertErr error
			job, insertErr = r.insertJobInTx(ctx, tx, params)
			return insertErr
		},
	})
	if txErr != nil {
		return nil, txErr
	}
	return job, nil
}

// CreateInTx inserts a job within an existing SQL transaction. The caller
// owns commit; the notify piggybacks on the transaction so subscribers only
// wake for committed rows.
func (r *JobRepo) CreateInTx(ctx context.Context, sqlTx *sql.Tx, req *model.CreateJobRequest) (*model.Job, error) {
	if sqlTx == nil {
		return nil, errors.New("transaction is required")
	}
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	params, err := r.prepareJobData(req)
	if err != nil {
		return nil, err
	}

	query, args := r.buildInsertQuery(params)
	row := sqlTx.QueryRowContext(ctx, query, args...)

	job, scanErr := scanJobFromRow(row)
	if scanErr != nil {
		return nil, fmt.Errorf("collect job: %w", scanErr)
	}

	if notifyErr := notifyJobAddedTx(ctx, sqlTx, req.Type, job.ID); notifyErr != nil {
		return nil, notifyErr
	}
	return job, nil
}

func notifyJobAddedTx(ctx context.Context, tx *sql.Tx, jobType model.JobType, jobID string) error {
	channel := jobAddedChannel(jobType)
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, channel, jobID); err != nil {
		return fmt.Errorf("send job notification: %w", err)
	}
	return nil
}

func jobAddedChannel(jobType model.JobType) string {
	return "job_added_" + string(jobType)
}

func (r *JobRepo) prepareJobData(req *model.CreateJobRequest) (*insertJobParams, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	meta := []byte(`{}`)
	if req.Metadata != nil {
		meta, err = json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	// Test jobs default to no retries so a broken test script does not churn.
	maxRetries := 3
	if req.IsTest && req.MaxRetries <= 0 {
		maxRetries = 0
	} else if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	}

	return &insertJobParams{Req: req, Payload: payload, Meta: meta, MaxRetries: maxRetries}, nil
}

func (r *JobRepo) insertJobInTx(ctx context.Context, tx pgx.Tx, params *insertJobParams) (*model.Job, error) {
	query, args := r.buildInsertQuery(params)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	job, collectErr := collectJobFromRows(rows)
	rows.Close()
	if collectErr != nil {
		return nil, fmt.Errorf("collect job: %w", collectErr)
	}

	channel := jobAddedChannel(params.Req.Type)
	if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, channel, job.ID); execErr != nil {
		return nil, fmt.Errorf("send job notification: %w", execErr)
	}
	return job, nil
}

func (r *JobRepo) buildInsertQuery(p *insertJobParams) (string, []any) {
	query := `
      INSERT INTO jobs(type, status, priority, payload, metadata, session_id, site_id, source_id, is_test, scheduled_at, max_retries)
      VALUES ($1,'pending',$2,$3,$4,$5,$6,$7,$8,$9,$10)
      RETURNING ` + jobColumns

	// Effective scheduled_at is never in the past.
	now := r.timeProvider.Now().UTC()
	scheduledAt := now
	if p.Req.ScheduledAt != nil && p.Req.ScheduledAt.UTC().After(now) {
		scheduledAt = p.Req.ScheduledAt.UTC()
	}

	args := []any{
		p.Req.Type,
		p.Req.Priority,
		p.Payload,
		p.Meta,
		p.Req.SessionID,
		p.Req.SiteID,
		p.Req.SourceID,
		p.Req.IsTest,
		scheduledAt,
		p.MaxRetries,
	}
	return query, args
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return job, nil
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	payload, metadata                                []byte
	sessionID, siteID, sourceID, lastError, workerID sql.NullString
	startedAt, completedAt, leaseExpiresAt           sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.Type,
		&job.Status,
		&job.Priority,
		&d.payload,
		&d.metadata,
		&d.sessionID,
		&d.siteID,
		&d.sourceID,
		&job.IsTest,
		&job.ScheduledAt,
		&d.startedAt,
		&d.completedAt,
		&job.RetryCount,
		&job.MaxRetries,
		&job.Attempts,
		&d.lastError,
		&d.leaseExpiresAt,
		&d.workerID,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.Payload = cloneJSON(d.payload)
	job.Metadata = cloneJSON(d.metadata)
	job.SessionID = cloneNullableString(d.sessionID)
	job.SiteID = cloneNullableString(d.siteID)
	job.SourceID = cloneNullableString(d.sourceID)
	job.LastError = cloneNullableString(d.lastError)
	job.WorkerID = cloneNullableString(d.workerID)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.CompletedAt = cloneNullableTime(d.completedAt)
	job.LeaseExpiresAt = cloneNullableTime(d.leaseExpiresAt)
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	data.apply(job)
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// Advisory lock namespace for expired-lease recovery, keyed per job type to
// avoid cross-type contention.
const advisoryLockExpiredMajor int64 = 1001

func advisoryLockExpiredMinor(jobType model.JobType) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobType))
	return int64(h.Sum32() & uint32(math.MaxInt32))
}

// recoverExpiredLeases applies the failure rule to running jobs whose lease
// has lapsed: retry budget remaining sends them back to pending with a
// bumped retry_count, otherwise they go terminal with "lease expired".
// Only one caller per job type does the sweep at a time.
func (r *JobRepo) recoverExpiredLeases(ctx context.Context, jobType model.JobType) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			minorKey := advisoryLockExpiredMinor(jobType)
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", advisoryLockExpiredMajor, minorKey).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			now := r.timeProvider.Now().UTC()
			res, err := tx.ExecContext(ctx, `
          UPDATE jobs
          SET
            retry_count = retry_count + 1,
            status = CASE WHEN retry_count + 1 >= max_retries OR max_retries = 0
                          THEN 'failed' ELSE 'pending' END,
            completed_at = CASE WHEN retry_count + 1 >= max_retries OR max_retries = 0
                                THEN $2::timestamptz ELSE NULL END,
            last_error = 'lease expired',
            lease_expires_at = NULL,
            worker_id = NULL,
            updated_at = $2
          WHERE type = $1 AND status = 'running'
            AND lease_expires_at IS NOT NULL
            AND lease_expires_at < $2
        `, jobType, now)
			if err != nil {
				return fmt.Errorf("recover expired leases: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// ReserveNext atomically reserves the next ready job of the given type. It
// first recovers any expired leases for the type, then runs the locked
// reservation. Returns model.ErrNoJobsAvailable when nothing is ready.
func (r *JobRepo) ReserveNext(ctx context.Context, p core.ReserveNextParams) (*model.Job, error) {
	if !p.JobType.Valid() {
		return nil, fmt.Errorf("invalid job type: %s", p.JobType)
	}
	if p.LeaseSeconds <= 0 {
		return nil, errors.New("lease seconds must be positive")
	}

	if _, err := r.recoverExpiredLeases(ctx, p.JobType); err != nil {
		return nil, fmt.Errorf("recover expired leases: %w", err)
	}

	var workerID *string
	if p.WorkerID != "" {
		workerID = &p.WorkerID
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now().UTC()
			leaseExpiresAt := now.Add(time.Duration(p.LeaseSeconds) * time.Second)

			rows, qerr := tx.Query(ctx, reserveNextSQL, p.JobType, now, now, leaseExpiresAt, workerID)
			if qerr != nil {
				return fmt.Errorf("reserve job: %w", qerr)
			}
			defer rows.Close()

			j, cerr := collectJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("reserve job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// Heartbeat extends the lease on a running job. Returns false when the row
// is no longer owned: not running, or its lease lapsed past the grace window.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("lease seconds must be positive")
	}

	now := r.timeProvider.Now().UTC()
	leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)
	graceFloor := now.Add(-r.heartbeatGrace)

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = $2,
		    updated_at = $3
		WHERE id = $1
		  AND status = 'running'
		  AND (lease_expires_at IS NULL OR lease_expires_at > $4)
	`, jobID, leaseExpiresAt, now, graceFloor)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Complete marks a running job completed. The WHERE clause makes terminal
// transitions idempotent: a second Complete (or a Complete after Fail) is a
// reported no-op.
func (r *JobRepo) Complete(ctx context.Context, id string) (bool, error) {
	now := r.timeProvider.Now().UTC()

	query := `
		UPDATE jobs
		SET status = 'completed',
		    completed_at = $2,
		    updated_at = $2,
		    lease_expires_at = NULL,
		    worker_id = NULL,
		    last_error = NULL
		WHERE id = $1 AND status = 'running'
		RETURNING metadata->>'scheduler.task_name', metadata->>'scheduler.fire_key'
	`

	var taskName, fireKey sql.NullString
	if err := r.DB.QueryRowContext(ctx, query, id, now).Scan(&taskName, &fireKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("complete job: %w", err)
	}

	r.releaseFireKey(ctx, taskName, fireKey)
	return true, nil
}

// Fail applies the retry rule to a running job. Non-terminal failures return
// the row to pending with a bumped retry_count and a retry delay; terminal
// failures (budget exhausted or max_retries=0) go to failed. retry_count is
// fixed here, at write time.
func (r *JobRepo) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	retryAt := now.Add(r.retryDelay)

	if len(errMsg) > maxLastErrorLen {
		errMsg = errMsg[:maxLastErrorLen]
	}

	query := `
      UPDATE jobs
      SET
        last_error = $2,
        retry_count = retry_count + 1,
        status = CASE WHEN retry_count + 1 >= max_retries OR max_retries = 0
                      THEN 'failed' ELSE 'pending' END,
        completed_at = CASE WHEN retry_count + 1 >= max_retries OR max_retries = 0
                            THEN $3::timestamptz ELSE NULL END,
        scheduled_at = CASE WHEN retry_count + 1 >= max_retries OR max_retries = 0
                            THEN scheduled_at ELSE $4::timestamptz END,
        lease_expires_at = NULL,
        worker_id = NULL,
        updated_at = $3
      WHERE id = $1 AND status = 'running'
      RETURNING status, metadata->>'scheduler.task_name', metadata->>'scheduler.fire_key'
    `

	var status string
	var taskName, fireKey sql.NullString
	if err := r.DB.QueryRowContext(ctx, query, id, errMsg, now, retryAt).Scan(&status, &taskName, &fireKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("fail job: %w", err)
	}

	// The fire key stays held while the job is retrying; only a terminal
	// failure releases the scheduled task for its next slot.
	if status == string(model.JobStatusFailed) {
		r.releaseFireKey(ctx, taskName, fireKey)
	}
	return true, nil
}

func (r *JobRepo) releaseFireKey(ctx context.Context, taskName, fireKey sql.NullString) {
	if !taskName.Valid || !fireKey.Valid {
		return
	}
	if err := r.clearActiveFireKey(ctx, taskName.String, fireKey.String); err != nil && r.logger != nil {
		r.logger.ErrorContext(ctx, "clear active fire key failed",
			"task_name", taskName.String,
			"fire_key", fireKey.String,
			"error", err,
		)
	}
}

func (r *JobRepo) clearActiveFireKey(ctx context.Context, taskName, fireKey string) error {
	if strings.TrimSpace(taskName) == "" || strings.TrimSpace(fireKey) == "" {
		return nil
	}

	query := `
		UPDATE scheduled_jobs
		SET active_fire_key = NULL,
		    active_fire_key_set_at = NULL,
		    updated_at = $3
		WHERE task_name = $1
		  AND active_fire_key = $2
	`
	if _, err := r.DB.ExecContext(ctx, query, taskName, fireKey, r.timeProvider.Now().UTC()); err != nil {
		return fmt.Errorf("clear active fire key: %w", err)
	}
	return nil
}

// Stats counts jobs of the given type per lifecycle state.
func (r *JobRepo) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')   AS pending,
    count(*) FILTER (WHERE status = 'running')   AS running,
    count(*) FILTER (WHERE status = 'completed') AS completed,
    count(*) FILTER (WHERE status = 'failed')    AS failed
  FROM jobs
  WHERE type = $1
  `, jobType).Scan(&s.Pending, &s.Running, &s.Completed, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return &s, nil
}

// WaitForNotification blocks until a notification for the job type's channel
// arrives or the context is canceled. The connection is dedicated for the
// duration of the wait and returned to the pool afterwards.
func (r *JobRepo) WaitForNotification(ctx context.Context, jobType model.JobType) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	channel := jobAddedChannel(jobType)
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		// Unlisten with a fresh context so shutdown still cleans up the conn.
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// GetByID retrieves a job by id.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE id = $1
		`, id)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		job, qerr = collectJobFromRows(rows)
		return qerr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// JobStatesByTaskName returns a bitmask of which overrun-relevant states
// currently exist for a scheduler task.
func (r *JobRepo) JobStatesByTaskName(ctx context.Context, taskName string, now time.Time) (domain.OverrunStateMask, error) {
	query := `
		SELECT
			COALESCE(bool_or(status = 'running' AND lease_expires_at > $1), FALSE) AS has_running,
			COALESCE(bool_or(status = 'pending'), FALSE) AS has_pending,
			COALESCE(bool_or(status = 'pending' AND COALESCE(retry_count, 0) > 0), FALSE) AS has_retrying
		FROM jobs
		WHERE metadata->>'scheduler.task_name' = $2
		  AND status IN ('running', 'pending')
	`

	var hasRunning, hasPending, hasRetrying bool
	if err := r.DB.QueryRowContext(ctx, query, now.UTC(), taskName).Scan(&hasRunning, &hasPending, &hasRetrying); err != nil {
		return 0, fmt.Errorf("job states by task name: %w", err)
	}

	var mask domain.OverrunStateMask
	if hasRunning {
		mask |= domain.OverrunStateRunning
	}
	if hasPending {
		mask |= domain.OverrunStatePending
	}
	if hasRetrying {
		mask |= domain.OverrunStateRetrying
	}
	return mask, nil
}

// RunningJobExistsByTaskName reports whether a live running job exists for a
// scheduler task.
func (r *JobRepo) RunningJobExistsByTaskName(ctx context.Context, taskName string, now time.Time) (bool, error) {
	mask, err := r.JobStatesByTaskName(ctx, taskName, now)
	if err != nil {
		return false, err
	}
	return mask.Has(domain.OverrunStateRunning), nil
}

// Delete removes a job. Only unleased pending rows are deletable; anything
// else reports why.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE id = $1
		  AND status = 'pending'
		  AND lease_expires_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	job, err := r.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("re-check job after delete attempt: %w", err)
	}

	if job.Status != model.JobStatusPending {
		return ErrJobNotDeletable
	}
	if job.LeaseExpiresAt != nil {
		return ErrJobReserved
	}
	return errors.New("unexpected state: job is deletable but delete matched no rows")
}

// DeleteByPayloadField deletes pending jobs whose payload field matches the
// given value. Used to drop jobs addressing an entity that was removed.
func (r *JobRepo) DeleteByPayloadField(ctx context.Context, params core.DeleteByPayloadFieldParams) (int, error) {
	if !params.JobType.Valid() {
		return 0, fmt.Errorf("invalid job type: %s", params.JobType)
	}

	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE type = $1
		  AND status = 'pending'
		  AND lease_expires_at IS NULL
		  AND payload->$2 = to_jsonb($3::text)
	`, params.JobType, params.FieldName, params.FieldValue)
	if err != nil {
		return 0, fmt.Errorf("delete jobs by payload field: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(rowsAffected), nil
}
