package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagesentry/pagesentry/internal/testutil"
)

func insertScheduledTask(t *testing.T, db *sql.DB, name, interval string, lastQueued any) string {
	t.Helper()
	var id string
	err := db.QueryRowContext(context.Background(), `
		INSERT INTO scheduled_jobs (task_name, payload, scheduled_interval, last_queued_at)
		VALUES ($1, '{}', $2, $3)
		RETURNING id
	`, name, interval, lastQueued).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestScheduledJobsRepoFindDue(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduledJobsRepo(db)
		ctx := context.Background()
		now := time.Now()

		// Prefix task names so rows from other tests in the shared DB are ignored.
		prefix := fmt.Sprintf("finddue_%d_", now.UnixNano())

		insertScheduledTask(t, db, prefix+"never-queued", "5 minutes", nil)
		insertScheduledTask(t, db, prefix+"recently-queued", "10 minutes", now.Add(-5*time.Minute))
		insertScheduledTask(t, db, prefix+"overdue", "1 hour", now.Add(-2*time.Hour))
		insertScheduledTask(t, db, prefix+"just-queued", "30 minutes", now.Add(-time.Minute))

		due, err := repo.FindDue(ctx, now, 500)
		require.NoError(t, err)

		var names []string
		for _, task := range due {
			if strings.HasPrefix(task.TaskName, prefix) {
				names = append(names, strings.TrimPrefix(task.TaskName, prefix))
			}
		}

		assert.ElementsMatch(t, []string{"never-queued", "overdue"}, names,
			"only tasks past their interval (or never queued) are due")
	})
}

func TestScheduledJobsRepoFindDueLimit(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduledJobsRepo(db)
		ctx := context.Background()
		now := time.Now()

		prefix := fmt.Sprintf("limit_%d_", now.UnixNano())
		for i := range 5 {
			insertScheduledTask(t, db, fmt.Sprintf("%stask_%d", prefix, i), "5 minutes", nil)
		}

		due, err := repo.FindDue(ctx, now, 3)
		require.NoError(t, err)
		assert.Len(t, due, 3)

		for _, limit := range []int{0, -1} {
			_, err := repo.FindDue(ctx, now, limit)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "limit must be positive")
		}
	})
}

func TestScheduledJobsRepoMarkQueued(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		now := time.Now()
		repo := NewScheduledJobsRepoWithTimeProvider(db, NewFixedTimeProvider(now))
		ctx := context.Background()

		taskID := insertScheduledTask(t, db,
			fmt.Sprintf("mark_queued_%d", now.UnixNano()), "5 minutes", nil)

		found, err := repo.MarkQueued(ctx, taskID, now)
		require.NoError(t, err)
		assert.True(t, found)

		var lastQueued sql.NullTime
		err = db.QueryRowContext(ctx,
			"SELECT last_queued_at FROM scheduled_jobs WHERE id = $1", taskID).Scan(&lastQueued)
		require.NoError(t, err)
		require.True(t, lastQueued.Valid)
		assert.WithinDuration(t, now, lastQueued.Time, time.Second)
	})
}

func TestScheduledJobsRepoMarkQueuedMissingTask(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduledJobsRepo(db)

		found, err := repo.MarkQueued(context.Background(),
			"99999999-9999-9999-9999-999999999999", time.Now())
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestScheduledJobsRepoTaskLock(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduledJobsRepo(db)
		ctx := context.Background()

		t.Run("runs the callback under the lock", func(t *testing.T) {
			ran := false
			locked, err := repo.TryWithTaskLock(ctx, "lock_runs_callback",
				func(_ context.Context, _ *sql.Tx) error {
					ran = true
					return nil
				})
			require.NoError(t, err)
			assert.True(t, locked)
			assert.True(t, ran)
		})

		t.Run("callback errors surface alongside the lock result", func(t *testing.T) {
			wantErr := errors.New("callback failed")
			locked, err := repo.TryWithTaskLock(ctx, "lock_callback_error",
				func(_ context.Context, _ *sql.Tx) error {
					return wantErr
				})
			assert.True(t, locked, "the lock was held even though the callback failed")
			require.ErrorIs(t, err, wantErr)
		})
	})
}

func TestScheduledJobsRepoTaskLockContention(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduledJobsRepo(db)
		ctx := context.Background()

		start := make(chan struct{})
		results := make(chan bool, 2)

		for range 2 {
			go func() {
				<-start
				locked, err := repo.TryWithTaskLock(ctx, "contended_task",
					func(_ context.Context, _ *sql.Tx) error {
						time.Sleep(100 * time.Millisecond)
						return nil
					})
				assert.NoError(t, err)
				results <- locked
			}()
		}
		close(start)

		winners := 0
		for range 2 {
			if <-results {
				winners++
			}
		}
		assert.Equal(t, 1, winners, "the advisory lock admits exactly one holder")
	})
}

func TestFnvHashStability(t *testing.T) {
	assert.Equal(t, fnvHash("some_task"), fnvHash("some_task"))
	assert.NotEqual(t, fnvHash("some_task"), fnvHash("another_task"))
}
