package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagesentry/pagesentry/internal/core"
	"github.com/pagesentry/pagesentry/internal/domain/model"
	"github.com/pagesentry/pagesentry/internal/testutil"
)

func reserveBrowser(t *testing.T, repo *JobRepo) (*model.Job, error) {
	t.Helper()
	return repo.ReserveNext(context.Background(), core.ReserveNextParams{
		JobType:      model.JobTypeBrowser,
		LeaseSeconds: 30,
	})
}

func TestJobRepoReserveFollowsPriority(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		for _, priority := range []int{25, 75, 50} {
			_, err := repo.Create(ctx, &model.CreateJobRequest{
				Type:     model.JobTypeBrowser,
				Payload:  json.RawMessage(fmt.Sprintf(`{"priority": %d}`, priority)),
				Priority: priority,
			})
			require.NoError(t, err)
		}

		for _, want := range []int{75, 50, 25} {
			reserved, err := reserveBrowser(t, repo)
			require.NoError(t, err)
			assert.Equal(t, want, reserved.Priority)
		}

		_, err := reserveBrowser(t, repo)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable, "queue is drained")
	})
}

func TestJobRepoFullLifecycle(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		// A fixed clock lets the test step over the retry delay.
		clock := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRepo(db, RepoConfig{
			RetryDelay:   5 * time.Second,
			TimeProvider: clock,
		})
		ctx := context.Background()

		job, err := repo.Create(ctx, &model.CreateJobRequest{
			Type:       model.JobTypeBrowser,
			Payload:    json.RawMessage(`{"url": "https://example.com"}`),
			MaxRetries: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, job.Status)

		reserved, err := reserveBrowser(t, repo)
		require.NoError(t, err)
		assert.Equal(t, job.ID, reserved.ID)
		assert.Equal(t, model.JobStatusRunning, reserved.Status)
		assert.NotNil(t, reserved.StartedAt)
		assert.NotNil(t, reserved.LeaseExpiresAt)

		extended, err := repo.Heartbeat(ctx, job.ID, 60)
		require.NoError(t, err)
		assert.True(t, extended)

		failed, err := repo.Fail(ctx, job.ID, "first failure")
		require.NoError(t, err)
		assert.True(t, failed)

		// The retry is parked behind the 5s delay until the clock advances.
		clock.Advance(6 * time.Second)

		retry, err := reserveBrowser(t, repo)
		require.NoError(t, err)
		assert.Equal(t, job.ID, retry.ID)
		assert.Equal(t, 1, retry.RetryCount)
		require.NotNil(t, retry.LastError)
		assert.Equal(t, "first failure", *retry.LastError)

		done, err := repo.Complete(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, done)

		_, err = reserveBrowser(t, repo)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)
	})
}

func TestJobRepoConcurrentReserveSingleWinner(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})

		job, err := repo.Create(context.Background(), &model.CreateJobRequest{
			Type:    model.JobTypeBrowser,
			Payload: json.RawMessage(`{"url": "https://example.com"}`),
		})
		require.NoError(t, err)

		wins := make(chan *model.Job, 2)
		losses := make(chan error, 2)

		for range 2 {
			go func() {
				reserved, err := reserveBrowser(t, repo)
				if err != nil {
					losses <- err
					return
				}
				wins <- reserved
			}()
		}

		var winner *model.Job
		winCount, lossCount := 0, 0
		for range 2 {
			select {
			case reserved := <-wins:
				winCount++
				winner = reserved
			case err := <-losses:
				lossCount++
				require.ErrorIs(t, err, model.ErrNoJobsAvailable)
			case <-time.After(5 * time.Second):
				t.Fatal("reservation race timed out")
			}
		}

		assert.Equal(t, 1, winCount)
		assert.Equal(t, 1, lossCount)
		require.NotNil(t, winner)
		assert.Equal(t, job.ID, winner.ID)
	})
}

func TestJobRepoStatsCountsByStatus(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		create := func(priority, maxRetries int) *model.Job {
			job, err := repo.Create(ctx, &model.CreateJobRequest{
				Type:       model.JobTypeBrowser,
				Payload:    json.RawMessage(`{}`),
				Priority:   priority,
				MaxRetries: maxRetries,
			})
			require.NoError(t, err)
			return job
		}

		// Priorities pick the reservation order, which in turn picks
		// which job ends up in which status bucket.
		create(10, 0)
		create(11, 0)
		toRun := create(40, 0)
		toComplete := create(50, 0)
		toFail := create(30, 1)

		reserved, err := reserveBrowser(t, repo)
		require.NoError(t, err)
		require.Equal(t, toComplete.ID, reserved.ID)
		_, err = repo.Complete(ctx, reserved.ID)
		require.NoError(t, err)

		reserved, err = reserveBrowser(t, repo)
		require.NoError(t, err)
		require.Equal(t, toRun.ID, reserved.ID)

		reserved, err = reserveBrowser(t, repo)
		require.NoError(t, err)
		require.Equal(t, toFail.ID, reserved.ID)
		_, err = repo.Fail(ctx, reserved.ID, "terminal failure")
		require.NoError(t, err)

		stats, err := repo.Stats(ctx, model.JobTypeBrowser)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Pending)
		assert.Equal(t, 1, stats.Running)
		assert.Equal(t, 1, stats.Completed)
		assert.Equal(t, 1, stats.Failed)
	})
}

func TestJobRepoSiteSourceAndTestFlags(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		testJob, err := repo.Create(ctx, &model.CreateJobRequest{
			Type:    model.JobTypeBrowser,
			Payload: json.RawMessage(`{}`),
			IsTest:  true,
		})
		require.NoError(t, err)
		assert.Nil(t, testJob.SiteID)
		assert.Nil(t, testJob.SourceID)
		assert.True(t, testJob.IsTest)

		reserved, err := reserveBrowser(t, repo)
		require.NoError(t, err)
		assert.Equal(t, testJob.ID, reserved.ID)
		assert.True(t, reserved.IsTest, "the flag must survive reservation")
		assert.Nil(t, reserved.SiteID)
		assert.Nil(t, reserved.SourceID)

		liveJob, err := repo.Create(ctx, &model.CreateJobRequest{
			Type:    model.JobTypeBrowser,
			Payload: json.RawMessage(`{}`),
		})
		require.NoError(t, err)
		assert.False(t, liveJob.IsTest)
	})
}

func TestJobRepoListBySource(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		sourceA := "550e8400-e29b-41d4-a716-446655440001"
		sourceB := "550e8400-e29b-41d4-a716-446655440002"

		_, err := db.ExecContext(ctx, `
			INSERT INTO sources (id, name, value, test)
			VALUES
				($1, 'source-a', 'value-a', false),
				($2, 'source-b', 'value-b', false)
		`, sourceA, sourceB)
		require.NoError(t, err)

		_, err = db.ExecContext(ctx, `
			INSERT INTO jobs (type, status, priority, payload, metadata, source_id, is_test)
			VALUES
				('browser', 'pending', 50, '{"n": 1}', '{}', $1, false),
				('browser', 'pending', 50, '{"n": 2}', '{}', $1, false),
				('browser', 'pending', 50, '{"n": 3}', '{}', $2, false),
				('browser', 'pending', 50, '{"n": 4}', '{}', NULL, false)
		`, sourceA, sourceB)
		require.NoError(t, err)

		list := func(sourceID string, limit, offset int) []*model.Job {
			jobs, err := repo.ListBySource(ctx, model.JobListBySourceOptions{
				SourceID: sourceID,
				Limit:    limit,
				Offset:   offset,
			})
			require.NoError(t, err)
			return jobs
		}

		jobsA := list(sourceA, 10, 0)
		require.Len(t, jobsA, 2)
		for i, job := range jobsA {
			assert.Equal(t, &sourceA, job.SourceID)
			if i > 0 {
				assert.False(t, job.CreatedAt.After(jobsA[i-1].CreatedAt),
					"newest first ordering")
			}
		}

		jobsB := list(sourceB, 10, 0)
		require.Len(t, jobsB, 1)
		assert.Equal(t, &sourceB, jobsB[0].SourceID)

		// Pagination walks distinct rows.
		page1 := list(sourceA, 1, 0)
		page2 := list(sourceA, 1, 1)
		require.Len(t, page1, 1)
		require.Len(t, page2, 1)
		assert.NotEqual(t, page1[0].ID, page2[0].ID)

		assert.Empty(t, list("550e8400-e29b-41d4-a716-446655440999", 10, 0))
	})
}
