package data

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagesentry/pagesentry/internal/domain"
	"github.com/pagesentry/pagesentry/internal/testutil"
)

// Concurrent due-task claims must not hand the same row to two pollers.
// The claim query relies on FOR UPDATE SKIP LOCKED for that.
func TestScheduledJobsConcurrentFindDueSkipsLockedRows(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := time.Now()

		prefix := fmt.Sprintf("skiplocked_%d_", now.UnixNano())
		for i := range 5 {
			insertScheduledTask(t, db, fmt.Sprintf("%stask_%d", prefix, i), "5 minutes", nil)
		}

		const workers = 3
		claims := make(chan []string, workers)
		var wg sync.WaitGroup

		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()

				// A transaction keeps the row locks held while the other
				// workers run their own claim queries.
				tx, err := db.BeginTx(ctx, nil)
				if !assert.NoError(t, err) {
					claims <- nil
					return
				}
				defer func() { _ = tx.Rollback() }()

				rows, err := tx.QueryContext(ctx, `
					SELECT task_name FROM scheduled_jobs
					WHERE (last_queued_at IS NULL OR last_queued_at + scheduled_interval <= $1)
					ORDER BY created_at ASC
					LIMIT 2
					FOR UPDATE SKIP LOCKED
				`, now.UTC())
				if !assert.NoError(t, err) {
					claims <- nil
					return
				}
				defer rows.Close()

				var names []string
				for rows.Next() {
					var name string
					assert.NoError(t, rows.Scan(&name))
					names = append(names, name)
				}
				assert.NoError(t, rows.Err())

				time.Sleep(50 * time.Millisecond)
				claims <- names
			}()
		}

		wg.Wait()
		close(claims)

		claimedBy := make(map[string]int)
		total := 0
		for names := range claims {
			total += len(names)
			for _, name := range names {
				claimedBy[name]++
			}
		}

		for name, holders := range claimedBy {
			assert.LessOrEqualf(t, holders, 1, "task %s was claimed by more than one worker", name)
		}
		// The shared test DB may hold due rows from other tests, so only
		// assert that the workers claimed something.
		assert.Positive(t, total)
	})
}

func TestScheduledJobsTaskLockContentionManyWorkers(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduledJobsRepo(db)
		ctx := context.Background()

		const workers = 5
		outcomes := make(chan bool, workers)
		var wg sync.WaitGroup

		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				locked, err := repo.TryWithTaskLock(ctx, "many_worker_contention",
					func(_ context.Context, _ *sql.Tx) error {
						time.Sleep(50 * time.Millisecond)
						return nil
					})
				assert.NoError(t, err)
				outcomes <- locked
			}()
		}

		wg.Wait()
		close(outcomes)

		winners := 0
		for locked := range outcomes {
			if locked {
				winners++
			}
		}
		assert.Equal(t, 1, winners)
	})
}

// Due-ness is decided in SQL by interval arithmetic; exercise it against
// real postgres interval values rather than Go durations.
func TestScheduledJobsIntervalArithmetic(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduledJobsRepo(db)
		ctx := context.Background()
		now := time.Now()

		prefix := fmt.Sprintf("interval_%d_", now.UnixNano())
		twoHoursAgo := now.Add(-2 * time.Hour)
		twoMinutesAgo := now.Add(-2 * time.Minute)

		cases := []struct {
			name       string
			interval   string
			lastQueued *time.Time
			due        bool
		}{
			{prefix + "never_queued", "5 minutes", nil, true},
			{prefix + "hourly_fresh", "1 hour", &now, false},
			{prefix + "hourly_stale", "1 hour", &twoHoursAgo, true},
			{prefix + "minutely_stale", "1 minute", &twoMinutesAgo, true},
		}

		for _, tc := range cases {
			var lastQueued any
			if tc.lastQueued != nil {
				lastQueued = *tc.lastQueued
			}
			insertScheduledTask(t, db, tc.name, tc.interval, lastQueued)
		}

		for _, tc := range cases {
			var due bool
			err := db.QueryRowContext(ctx, `
				SELECT (last_queued_at IS NULL OR last_queued_at + scheduled_interval <= $1)
				FROM scheduled_jobs
				WHERE task_name = $2
			`, now.UTC(), tc.name).Scan(&due)
			require.NoError(t, err)
			assert.Equalf(t, tc.due, due, "due-ness of %s", tc.name)
		}

		found, err := repo.FindDue(ctx, now, 200)
		require.NoError(t, err)

		ours := 0
		for _, task := range found {
			if strings.HasPrefix(task.TaskName, prefix) {
				ours++
			}
		}
		assert.Positive(t, ours, "FindDue should surface the stale tasks")
	})
}

func TestScheduledJobsMarkQueuedIsIdempotentUnderRace(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduledJobsRepo(db)
		ctx := context.Background()
		now := time.Now()

		taskID := insertScheduledTask(t, db,
			fmt.Sprintf("mark_race_%d", now.UnixNano()), "5 minutes", nil)

		const workers = 10
		outcomes := make(chan bool, workers)
		var wg sync.WaitGroup

		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				found, err := repo.MarkQueued(ctx, taskID, now)
				assert.NoError(t, err)
				outcomes <- found
			}()
		}

		wg.Wait()
		close(outcomes)

		for found := range outcomes {
			assert.True(t, found, "every racer updates the same row")
		}

		var lastQueued sql.NullTime
		err := db.QueryRowContext(ctx,
			"SELECT last_queued_at FROM scheduled_jobs WHERE id = $1", taskID).Scan(&lastQueued)
		require.NoError(t, err)
		assert.True(t, lastQueued.Valid)
	})
}

func TestJobRepoJobStatesByTaskName(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()
		now := time.Now()

		insertJob := func(status, taskName, extraColumn string, extraValue any) {
			query := fmt.Sprintf(`
				INSERT INTO jobs (type, status, payload, metadata, %s)
				VALUES ('browser', $1, '{}', $2, $3)
			`, extraColumn)
			metadata := fmt.Sprintf(`{"scheduler.task_name": %q}`, taskName)
			_, err := db.ExecContext(ctx, query, status, metadata, extraValue)
			require.NoError(t, err)
		}

		insertJob("running", "running_task", "lease_expires_at", now.Add(time.Hour))
		insertJob("running", "expired_task", "lease_expires_at", now.Add(-time.Hour))
		insertJob("pending", "pending_task", "retry_count", 0)
		insertJob("pending", "retrying_task", "retry_count", 2)

		cases := []struct {
			taskName string
			mask     domain.OverrunStateMask
		}{
			{"running_task", domain.OverrunStateRunning},
			{"expired_task", 0}, // lease lapsed, so not counted as running
			{"pending_task", domain.OverrunStatePending},
			{"retrying_task", domain.OverrunStatePending | domain.OverrunStateRetrying},
			{"unknown", 0},
		}

		for _, tc := range cases {
			t.Run(tc.taskName, func(t *testing.T) {
				mask, err := repo.JobStatesByTaskName(ctx, tc.taskName, now)
				require.NoError(t, err)
				assert.Equal(t, tc.mask, mask)

				running, err := repo.RunningJobExistsByTaskName(ctx, tc.taskName, now)
				require.NoError(t, err)
				assert.Equal(t, mask.Has(domain.OverrunStateRunning), running)
			})
		}
	})
}
