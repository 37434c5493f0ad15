package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/pagesentry/pagesentry/internal/data/pgxutil"
	"github.com/pagesentry/pagesentry/internal/domain"
)

// ScheduledJobsRepo provides database operations for scheduled task management.
type ScheduledJobsRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewScheduledJobsRepo creates a ScheduledJobsRepo with the given database handle.
func NewScheduledJobsRepo(db *sql.DB) *ScheduledJobsRepo {
	return &ScheduledJobsRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewScheduledJobsRepoWithTimeProvider creates a ScheduledJobsRepo with a
// custom TimeProvider, useful in tests.
func NewScheduledJobsRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *ScheduledJobsRepo {
	return &ScheduledJobsRepo{
		DB:           db,
		timeProvider: timeProvider,
	}
}

// fnvHash computes the FNV-1a 64-bit hash of s for use as an advisory lock key.
func fnvHash(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	// Advisory locks accept BIGINT; constrain the unsigned hash into int64 range before casting.
	u := h.Sum64()
	if u > uint64(math.MaxInt64) {
		u %= uint64(math.MaxInt64)
	}
	return int64(u) // #nosec G115 -- value is explicitly bounded to <= MaxInt64 before casting to int64.
}

const scheduledJobColumns = `
  id,
  task_name,
  payload,
  EXTRACT(EPOCH FROM scheduled_interval)::bigint AS interval_seconds,
  last_queued_at,
  updated_at,
  overrun_policy,
  overrun_state_mask,
  active_fire_key
`

const findDueSQL = `
	SELECT ` + scheduledJobColumns + `
	FROM scheduled_jobs
	WHERE (last_queued_at IS NULL OR last_queued_at + scheduled_interval <= $1)
	ORDER BY
		CASE WHEN last_queued_at IS NULL THEN 0 ELSE 1 END,
		last_queued_at ASC,
		created_at ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
`

// FindDue finds scheduled tasks that are due for execution. FOR UPDATE SKIP
// LOCKED keeps concurrent schedulers from processing the same tasks. A task is
// due when last_queued_at IS NULL or last_queued_at + interval <= now.
func (r *ScheduledJobsRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledTask, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	// Use pgx via the stdlib bridge to leverage pgx v5 row helpers.
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	defer func() {
		// Closing the acquired *sql.Conn returns it to the pool.
		_ = conn.Close()
	}()

	var tasks []domain.ScheduledTask
	err = conn.Raw(func(dc any) error {
		stdConn, ok := dc.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection type: %T", dc)
		}
		rows, queryErr := stdConn.Conn().Query(ctx, findDueSQL, now.UTC(), limit)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		tasks, queryErr = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ScheduledTask, error) {
			dbRow, scanErr := pgx.RowToStructByName[scheduledTaskRow](row)
			if scanErr != nil {
				return domain.ScheduledTask{}, fmt.Errorf("scan scheduled task row: %w", scanErr)
			}
			return dbRow.task(), nil
		})
		return queryErr
	})
	if err != nil {
		return nil, fmt.Errorf("query due scheduled tasks: %w", err)
	}

	return tasks, nil
}

// FindDueTx is the transactional variant of FindDue. Pair it with MarkQueuedTx
// within the same transaction so the SKIP LOCKED semantics hold across
// selection and update.
func (r *ScheduledJobsRepo) FindDueTx(
	ctx context.Context,
	tx *sql.Tx,
	p domain.FindDueParams,
) ([]domain.ScheduledTask, error) {
	if p.Limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", p.Limit)
	}

	rows, err := tx.QueryContext(ctx, findDueSQL, p.Now.UTC(), p.Limit)
	if err != nil {
		return nil, fmt.Errorf("query due scheduled tasks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var tasks []domain.ScheduledTask
	for rows.Next() {
		var dbRow scheduledTaskRow
		if err := rows.Scan(
			&dbRow.ID,
			&dbRow.TaskName,
			&dbRow.Payload,
			&dbRow.IntervalSeconds,
			&dbRow.LastQueuedAt,
			&dbRow.UpdatedAt,
			&dbRow.OverrunPolicy,
			&dbRow.OverrunStateMask,
			&dbRow.ActiveFireKey,
		); err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		tasks = append(tasks, dbRow.task())
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled tasks: %w", err)
	}

	return tasks, nil
}

// MarkQueued updates last_queued_at for a scheduled task and clears any active
// fire key. Returns (true, nil) when the task was found and updated and
// (false, nil) when no task matched.
func (r *ScheduledJobsRepo) MarkQueued(ctx context.Context, id string, now time.Time) (bool, error) {
	touched := r.timeProvider.Now().UTC()

	upd := newScheduledJobUpdate(id)
	upd.set("last_queued_at", now.UTC())
	upd.set("updated_at", touched)
	upd.fireKey(nil, nil, touched)

	affected, err := upd.exec(ctx, r.DB)
	if err != nil {
		return false, fmt.Errorf("update scheduled task: %w", err)
	}
	return affected > 0, nil
}

// MarkQueuedTx updates last_queued_at within an existing transaction. Use with
// FindDueTx so selection and update happen under the same locks.
func (r *ScheduledJobsRepo) MarkQueuedTx(ctx context.Context, tx *sql.Tx, p domain.MarkQueuedParams) (bool, error) {
	touched := r.timeProvider.Now().UTC()

	upd := newScheduledJobUpdate(p.ID)
	upd.set("last_queued_at", p.Now.UTC())
	upd.set("updated_at", touched)
	upd.fireKey(p.ActiveFireKey, p.ActiveFireKeySetAt, touched)

	affected, err := upd.exec(ctx, tx)
	if err != nil {
		return false, fmt.Errorf("update scheduled task (tx): %w", err)
	}
	return affected > 0, nil
}

// UpdateActiveFireKeyTx updates or clears the active fire key for a scheduled
// task within a transaction.
func (r *ScheduledJobsRepo) UpdateActiveFireKeyTx(
	ctx context.Context,
	tx *sql.Tx,
	p domain.UpdateActiveFireKeyParams,
) error {
	touched := r.timeProvider.Now().UTC()

	upd := newScheduledJobUpdate(p.ID)
	upd.set("updated_at", touched)
	upd.fireKey(p.FireKey, &p.SetAt, touched)

	if _, err := upd.exec(ctx, tx); err != nil {
		return fmt.Errorf("update active fire key: %w", err)
	}
	return nil
}

// TryWithTaskLock attempts to acquire a transaction-scoped advisory lock keyed
// by the FNV-1a hash of taskName. When acquired, fn runs inside the same
// transaction. Return semantics:
//   - (false, nil): lock not acquired; fn was not executed
//   - (true, nil): lock acquired; fn executed and succeeded
//   - (true, err): lock acquired; fn executed and failed with err
func (r *ScheduledJobsRepo) TryWithTaskLock(
	ctx context.Context,
	taskName string,
	fn func(context.Context, *sql.Tx) error,
) (bool, error) {
	lockKey := fnvHash(taskName)

	var locked bool
	var fnErr error

	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", lockKey).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock for task %s: %w", taskName, err)
			}

			if !locked {
				return nil
			}

			// Commit the transaction regardless of fn's outcome; the
			// function error is surfaced separately.
			fnErr = fn(ctx, tx)
			return nil
		},
	})
	if err != nil {
		return false, err
	}

	return locked, fnErr
}

// sqlExecer abstracts *sql.DB and *sql.Tx so the update builder can run
// against either.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// scheduledJobUpdate accumulates SET clauses with positional arguments for a
// single-row scheduled_jobs update. $1 is always the task id.
type scheduledJobUpdate struct {
	sets []string
	args []any
}

func newScheduledJobUpdate(id string) *scheduledJobUpdate {
	return &scheduledJobUpdate{args: []any{id}}
}

func (u *scheduledJobUpdate) set(column string, value any) {
	u.args = append(u.args, value)
	u.sets = append(u.sets, fmt.Sprintf("%s = $%d", column, len(u.args)))
}

// fireKey sets or clears the active fire key pair. A nil or blank key clears
// both columns; otherwise the key is trimmed and stamped with setAt when
// provided, falling back to the repo clock.
func (u *scheduledJobUpdate) fireKey(key *string, setAt *time.Time, fallback time.Time) {
	if key == nil || strings.TrimSpace(*key) == "" {
		u.sets = append(u.sets, "active_fire_key = NULL", "active_fire_key_set_at = NULL")
		return
	}

	u.set("active_fire_key", strings.TrimSpace(*key))

	ts := fallback
	if setAt != nil && !setAt.IsZero() {
		ts = setAt.UTC()
	}
	u.set("active_fire_key_set_at", ts)
}

func (u *scheduledJobUpdate) exec(ctx context.Context, db sqlExecer) (int64, error) {
	query := "UPDATE scheduled_jobs SET " + strings.Join(u.sets, ", ") + " WHERE id = $1"
	res, err := db.ExecContext(ctx, query, u.args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// scheduledTaskRow matches the scheduled_jobs row shape so that
// pgx.RowToStructByName can scan it directly.
type scheduledTaskRow struct {
	ID               string         `db:"id"`
	TaskName         string         `db:"task_name"`
	Payload          []byte         `db:"payload"`
	IntervalSeconds  sql.NullInt64  `db:"interval_seconds"`
	LastQueuedAt     sql.NullTime   `db:"last_queued_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	OverrunPolicy    sql.NullString `db:"overrun_policy"`
	OverrunStateMask sql.NullInt64  `db:"overrun_state_mask"`
	ActiveFireKey    sql.NullString `db:"active_fire_key"`
}

// task converts the row into its domain representation, normalizing NULLs
// into nil pointers and dropping blank fire keys.
func (r scheduledTaskRow) task() domain.ScheduledTask {
	task := domain.ScheduledTask{
		ID:        r.ID,
		TaskName:  r.TaskName,
		UpdatedAt: r.UpdatedAt,
	}

	if r.IntervalSeconds.Valid {
		task.Interval = time.Duration(r.IntervalSeconds.Int64) * time.Second
	}
	if r.Payload != nil {
		task.Payload = json.RawMessage(r.Payload)
	}
	if r.LastQueuedAt.Valid {
		task.LastQueuedAt = &r.LastQueuedAt.Time
	}
	if r.OverrunPolicy.Valid {
		p := domain.OverrunPolicy(r.OverrunPolicy.String)
		task.OverrunPolicy = &p
	}
	if r.OverrunStateMask.Valid {
		if val := r.OverrunStateMask.Int64; val >= 0 && val <= math.MaxUint8 {
			mask := domain.OverrunStateMask(val)
			task.OverrunStates = &mask
		}
	}
	if r.ActiveFireKey.Valid {
		if key := strings.TrimSpace(r.ActiveFireKey.String); key != "" {
			task.ActiveFireKey = &key
		}
	}

	return task
}
