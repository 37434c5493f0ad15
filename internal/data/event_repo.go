package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pagesentry/pagesentry/internal/data/pgxutil"
	"github.com/pagesentry/pagesentry/internal/domain/model"
)

// EventRepo provides database operations for scan event storage.
type EventRepo struct{ DB *sql.DB }

// eventColumns defines the column list for Event SELECT queries.
const eventColumns = `id, session_id, source_job_id, event_type, event_data, metadata, priority, should_process, processed, created_at`

func normalizeEventMetadata(meta json.RawMessage) json.RawMessage {
	if len(meta) == 0 {
		return json.RawMessage(`{}`)
	}
	return meta
}

type insertEventsOptions struct {
	Req           model.BulkEventRequest
	Process       bool
	ShouldProcess map[int]bool
}

func (r *EventRepo) runEventTx(
	ctx context.Context,
	fn func(pgx.Tx) (int, error),
) (int, error) {
	var created int
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{
			Isolation: sql.LevelReadCommitted,
			ReadOnly:  false,
		},
		Fn: func(tx pgx.Tx) error {
			var execErr error
			created, execErr = fn(tx)
			return execErr
		},
	})
	return created, err
}

func (r *EventRepo) insertEventsWithBatch(
	ctx context.Context,
	tx pgx.Tx,
	opts insertEventsOptions,
) (int, error) {
	batch := &pgx.Batch{}

	for i, e := range opts.Req.Events {
		p := 0
		if e.Priority != nil {
			p = *e.Priority
		}
		metadata := normalizeEventMetadata(e.Metadata)

		shouldProcessVal := opts.Process
		if opts.ShouldProcess != nil {
			shouldProcessVal = opts.ShouldProcess[i]
		}

		batch.Queue(`
				INSERT INTO events(
					session_id,
					source_job_id,
					event_type,
					event_data,
					metadata,
					priority,
					should_process)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, opts.Req.SessionID, opts.Req.SourceJobID, e.Type, e.Data, metadata, p, shouldProcessVal)
	}

	br := tx.SendBatch(ctx, batch)

	created := 0
	for i := range opts.Req.Events {
		if _, err := br.Exec(); err != nil {
			return 0, fmt.Errorf("failed to insert event %d: %w", i, err)
		}
		created++
	}

	if cerr := br.Close(); cerr != nil {
		return 0, fmt.Errorf("batch close: %w", cerr)
	}

	return created, nil
}

// BulkInsert inserts multiple events in a single transaction using pgx
// batching. The process flag marks every inserted event for rules-engine
// processing.
func (r *EventRepo) BulkInsert(
	ctx context.Context,
	req model.BulkEventRequest,
	process bool,
) (int, error) {
	created, err := r.runEventTx(ctx, func(tx pgx.Tx) (int, error) {
		return r.insertEventsWithBatch(ctx, tx, insertEventsOptions{
			Req:     req,
			Process: process,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("bulk insert transaction failed: %w", err)
	}
	return created, nil
}

// BulkInsertCopy inserts events using PostgreSQL COPY. More efficient than
// BulkInsert for very large batches (>1000 events) but provides less granular
// error reporting.
func (r *EventRepo) BulkInsertCopy(
	ctx context.Context,
	req model.BulkEventRequest,
	process bool,
) (int, error) {
	created, err := r.runEventTx(ctx, func(tx pgx.Tx) (int, error) {
		rows := make([][]any, 0, len(req.Events))
		for _, e := range req.Events {
			p := 0
			if e.Priority != nil {
				p = *e.Priority
			}
			metadata := normalizeEventMetadata(e.Metadata)
			rows = append(rows, []any{
				req.SessionID,
				req.SourceJobID,
				e.Type,
				e.Data,
				metadata,
				p,
				process,
			})
		}

		copyCount, copyErr := tx.CopyFrom(
			ctx,
			pgx.Identifier{"events"},
			[]string{
				"session_id",
				"source_job_id",
				"event_type",
				"event_data",
				"metadata",
				"priority",
				"should_process",
			},
			pgx.CopyFromRows(rows),
		)
		if copyErr != nil {
			return 0, fmt.Errorf("failed to bulk copy events: %w", copyErr)
		}

		return int(copyCount), nil
	})
	if err != nil {
		return 0, fmt.Errorf("bulk copy transaction failed: %w", err)
	}
	return created, nil
}

// BulkInsertWithProcessingFlags inserts events with individual processing
// flags per event index, which gives the rules glue fine-grained control over
// which events the engine should pick up.
func (r *EventRepo) BulkInsertWithProcessingFlags(
	ctx context.Context,
	req model.BulkEventRequest,
	shouldProcessMap map[int]bool,
) (int, error) {
	created, err := r.runEventTx(ctx, func(tx pgx.Tx) (int, error) {
		return r.insertEventsWithBatch(ctx, tx, insertEventsOptions{
			Req:           req,
			Process:       false,
			ShouldProcess: shouldProcessMap,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("bulk insert with processing flags transaction failed: %w", err)
	}
	return created, nil
}

// buildJobEventFilters constructs the WHERE clause and args for job event filtering.
func buildJobEventFilters(opts model.EventListByJobOptions) (string, []any, int) {
	query := ` WHERE source_job_id = $1`
	args := []any{opts.JobID}
	argIndex := 2

	if opts.EventType != nil && *opts.EventType != "" {
		query += fmt.Sprintf(` AND event_type = $%d`, argIndex)
		args = append(args, *opts.EventType)
		argIndex++
	}

	if opts.SearchQuery != nil && *opts.SearchQuery != "" {
		query += fmt.Sprintf(` AND event_data::text ILIKE $%d`, argIndex)
		args = append(args, "%"+*opts.SearchQuery+"%")
		argIndex++
	}

	return query, args, argIndex
}

// ListByJob returns events associated with a job. Filters are applied when
// non-nil/non-empty; results are ordered by created_at then id.
func (r *EventRepo) ListByJob(
	ctx context.Context,
	opts model.EventListByJobOptions,
) ([]*model.Event, error) {
	limit := clampListLimit(opts.Limit, listDefaultLimit)
	offset := max(opts.Offset, 0)

	sortDir := "ASC"
	if opts.SortDir != nil && (*opts.SortDir == "desc" || *opts.SortDir == "DESC") {
		sortDir = "DESC"
	}

	whereClause, args, argIndex := buildJobEventFilters(opts)
	query := `SELECT ` + eventColumns + ` FROM events` + whereClause
	query += fmt.Sprintf(` ORDER BY created_at %s, id %s LIMIT $%d OFFSET $%d`, sortDir, sortDir, argIndex, argIndex+1)
	args = append(args, limit, offset)

	var result []*model.Event
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query events by job: %w", err)
		}
		defer rows.Close()

		vals, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.Event])
		if err != nil {
			return fmt.Errorf("collect events: %w", err)
		}
		result = make([]*model.Event, len(vals))
		for i := range vals {
			result[i] = &vals[i]
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// CountByJob returns the total count of events for a job with the same
// optional filters as ListByJob, useful for pagination.
func (r *EventRepo) CountByJob(
	ctx context.Context,
	opts model.EventListByJobOptions,
) (int, error) {
	whereClause, args, _ := buildJobEventFilters(opts)
	query := `SELECT COUNT(*) FROM events` + whereClause

	var count int
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		return pgxConn.QueryRow(ctx, query, args...).Scan(&count)
	}); err != nil {
		return 0, fmt.Errorf("count events by job: %w", err)
	}

	return count, nil
}

// ListUnprocessedIDsByJob returns the IDs of events for a source job that
// are flagged for processing but not yet processed, oldest first.
func (r *EventRepo) ListUnprocessedIDsByJob(
	ctx context.Context,
	jobID string,
	limit int,
) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT id
		FROM events
		WHERE source_job_id = $1 AND should_process = TRUE AND processed = FALSE
		ORDER BY created_at ASC, id ASC
		LIMIT $2`

	var ids []string
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, query, jobID, limit)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
			var id string
			scanErr := row.Scan(&id)
			return id, scanErr
		})
		return err
	}); err != nil {
		return nil, fmt.Errorf("list unprocessed event ids by job: %w", err)
	}

	return ids, nil
}

// MarkProcessedByIDs sets processed=true for the given event IDs and returns
// the number of rows updated.
func (r *EventRepo) MarkProcessedByIDs(ctx context.Context, eventIDs []string) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	// Bind as []uuid.UUID rather than relying on a text[]::uuid[] cast.
	uids := make([]uuid.UUID, 0, len(eventIDs))
	for _, s := range eventIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return 0, fmt.Errorf("invalid uuid in eventIDs: %w", err)
		}
		uids = append(uids, id)
	}
	query := `
		UPDATE events
		SET processed = TRUE
		WHERE id = ANY($1)
		  AND processed = FALSE
	`
	var updated int
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		ct, err := pgxConn.Exec(ctx, query, uids)
		if err != nil {
			return fmt.Errorf("mark events processed: %w", err)
		}
		updated = int(ct.RowsAffected())
		return nil
	}); err != nil {
		return 0, err
	}
	return updated, nil
}

// GetByIDs retrieves events by their IDs.
func (r *EventRepo) GetByIDs(ctx context.Context, eventIDs []string) ([]*model.Event, error) {
	if len(eventIDs) == 0 {
		return []*model.Event{}, nil
	}

	uids := make([]uuid.UUID, 0, len(eventIDs))
	for _, s := range eventIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid uuid in eventIDs: %w", err)
		}
		uids = append(uids, id)
	}

	query := `
		SELECT ` + eventColumns + `
		FROM events
		WHERE id = ANY($1)
		ORDER BY created_at ASC, id ASC
	`

	var result []*model.Event
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, query, uids)
		if err != nil {
			return fmt.Errorf("query events by IDs: %w", err)
		}
		defer rows.Close()
		vals, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.Event])
		if err != nil {
			return fmt.Errorf("collect events: %w", err)
		}
		result = make([]*model.Event, len(vals))
		for i := range vals {
			result[i] = &vals[i]
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}
