package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagesentry/pagesentry/internal/core"
	"github.com/pagesentry/pagesentry/internal/data/pgxutil"
	"github.com/pagesentry/pagesentry/internal/domain/model"
	"github.com/pagesentry/pagesentry/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

// withJobRepo runs fn against a JobRepo backed by a fresh test database.
func withJobRepo(t *testing.T, fn func(ctx context.Context, db *sql.DB, repo *JobRepo)) {
	t.Helper()
	testutil.WithAutoDB(t, func(db *sql.DB) {
		fn(context.Background(), db, NewJobRepo(db, RepoConfig{}))
	})
}

// insertSite seeds a minimal sites row and returns its id.
func insertSite(t *testing.T, db *sql.DB, name string) string {
	t.Helper()
	var id string
	err := db.QueryRow(`INSERT INTO sites(name) VALUES ($1) RETURNING id`, name).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestJobRepoCreateDefaults(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
		job, err := repo.Create(ctx, &model.CreateJobRequest{
			Type:     model.JobTypeBrowser,
			Payload:  json.RawMessage(`{"url": "https://example.com"}`),
			Priority: 50,
		})
		require.NoError(t, err)

		assert.NotEmpty(t, job.ID)
		assert.Equal(t, model.JobTypeBrowser, job.Type)
		assert.Equal(t, model.JobStatusPending, job.Status)
		assert.Equal(t, 50, job.Priority)
		assert.Equal(t, 0, job.RetryCount)
		assert.Equal(t, 3, job.MaxRetries, "max retries defaults when the request leaves it zero")
		assert.JSONEq(t, `{}`, string(job.Metadata), "metadata defaults to an empty object")
		assert.NotZero(t, job.CreatedAt)
		assert.NotZero(t, job.UpdatedAt)
	})
}

func TestJobRepoCreateOptionalFields(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
		sessionID := "550e8400-e29b-41d4-a716-446655440000"
		scheduledAt := time.Now().Add(time.Hour)
		req := &model.CreateJobRequest{
			Type:        model.JobTypeRules,
			Payload:     json.RawMessage(`{"rules": ["rule1", "rule2"]}`),
			Metadata:    json.RawMessage(`{"source": "api"}`),
			Priority:    75,
			SessionID:   &sessionID,
			ScheduledAt: &scheduledAt,
			MaxRetries:  5,
		}

		job, err := repo.Create(ctx, req)
		require.NoError(t, err)

		assert.Equal(t, req.Payload, job.Payload)
		assert.Equal(t, req.Metadata, job.Metadata)
		require.NotNil(t, job.SessionID)
		assert.Equal(t, sessionID, *job.SessionID)
		assert.Equal(t, 5, job.MaxRetries)
	})
}

func TestJobRepoCreateValidation(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	cases := map[string]struct {
		req     *model.CreateJobRequest
		wantErr string
	}{
		"unknown job type": {
			req: &model.CreateJobRequest{
				Type:    "invalid",
				Payload: json.RawMessage(`{"test": true}`),
			},
			wantErr: "invalid job type",
		},
		"empty payload": {
			req: &model.CreateJobRequest{
				Type:    model.JobTypeBrowser,
				Payload: json.RawMessage(``),
			},
			wantErr: "payload is required",
		},
		"priority out of range": {
			req: &model.CreateJobRequest{
				Type:     model.JobTypeBrowser,
				Payload:  json.RawMessage(`{"test": true}`),
				Priority: 150,
			},
			wantErr: "priority must be between 0 and 100",
		},
	}

	withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
		for name, tc := range cases {
			t.Run(name, func(t *testing.T) {
				job, err := repo.Create(ctx, tc.req)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				assert.Nil(t, job)
			})
		}
	})
}

func TestJobRepoReserveNext(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("reservation starts the lease clock", func(t *testing.T) {
		withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
			created := createBrowserJob(t, repo, 0)

			job, err := repo.ReserveNext(ctx, core.ReserveNextParams{
				JobType:      model.JobTypeBrowser,
				LeaseSeconds: 30,
			})
			require.NoError(t, err)
			assert.Equal(t, created.ID, job.ID)
			assert.Equal(t, model.JobStatusRunning, job.Status)
			require.NotNil(t, job.StartedAt)
			require.NotNil(t, job.LeaseExpiresAt)
			assert.InDelta(t, 30, job.LeaseExpiresAt.Sub(*job.StartedAt).Seconds(), 1.0)
		})
	})

	t.Run("empty queue", func(t *testing.T) {
		withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
			_, err := reserveBrowser(t, repo)
			require.ErrorIs(t, err, model.ErrNoJobsAvailable)
		})
	})

	t.Run("unknown job type", func(t *testing.T) {
		withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
			_, err := repo.ReserveNext(ctx, core.ReserveNextParams{
				JobType:      "invalid",
				LeaseSeconds: 30,
			})
			require.Error(t, err)
		})
	})
}

func TestJobRepoComplete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
		job := createBrowserJob(t, repo, 0)
		_, err := reserveBrowser(t, repo)
		require.NoError(t, err)

		success, err := repo.Complete(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, success)

		// Unknown id is not an error, just a no-op.
		success, err = repo.Complete(ctx, "00000000-0000-0000-0000-000000000000")
		require.NoError(t, err)
		assert.False(t, success)
	})
}

func TestJobRepoFailSchedulesRetry(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewJobRepo(db, RepoConfig{RetryDelay: 10 * time.Second})

		job := createBrowserJob(t, repo, 2)
		_, err := reserveBrowser(t, repo)
		require.NoError(t, err)

		success, err := repo.Fail(ctx, job.ID, "test error")
		require.NoError(t, err)
		assert.True(t, success)

		retried, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, retried.RetryCount)

		success, err = repo.Fail(ctx, "00000000-0000-0000-0000-000000000000", "error")
		require.NoError(t, err)
		assert.False(t, success)
	})
}

func TestJobRepoHeartbeat(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("extends a running job", func(t *testing.T) {
		withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
			job := createBrowserJob(t, repo, 0)
			_, err := reserveBrowser(t, repo)
			require.NoError(t, err)

			success, err := repo.Heartbeat(ctx, job.ID, 60)
			require.NoError(t, err)
			assert.True(t, success)
		})
	})

	t.Run("ignores a pending job", func(t *testing.T) {
		withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
			job := createBrowserJob(t, repo, 0)

			success, err := repo.Heartbeat(ctx, job.ID, 60)
			require.NoError(t, err)
			assert.False(t, success)
		})
	})

	t.Run("ignores an unknown job", func(t *testing.T) {
		withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
			success, err := repo.Heartbeat(ctx, "00000000-0000-0000-0000-000000000000", 60)
			require.NoError(t, err)
			assert.False(t, success)
		})
	})
}

func TestJobRepoRequeueExpired(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		clock := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRepo(db, RepoConfig{TimeProvider: clock})

		job := createBrowserJob(t, repo, 0)

		reserved, err := repo.ReserveNext(ctx, core.ReserveNextParams{
			JobType:      model.JobTypeBrowser,
			LeaseSeconds: 1,
		})
		require.NoError(t, err)
		assert.Equal(t, job.ID, reserved.ID)

		// Advance past the one-second lease so the sweep sees it as abandoned.
		clock.Advance(2 * time.Second)

		count, err := repo.recoverExpiredLeases(ctx, model.JobTypeBrowser)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		requeued, err := reserveBrowser(t, repo)
		require.NoError(t, err)
		assert.Equal(t, job.ID, requeued.ID)
		assert.Equal(t, model.JobStatusRunning, requeued.Status)
	})
}

func TestPgxTxOptionsConversion(t *testing.T) {
	t.Run("nil options map to pgx defaults", func(t *testing.T) {
		result := pgxutil.ToPgxTxOptions(nil)
		assert.Equal(t, pgx.TxIsoLevel(""), result.IsoLevel)
		assert.Equal(t, pgx.TxAccessMode(""), result.AccessMode)
	})

	t.Run("access mode", func(t *testing.T) {
		rw := pgxutil.ToPgxTxOptions(&sql.TxOptions{ReadOnly: false})
		assert.Equal(t, pgx.ReadWrite, rw.AccessMode)

		ro := pgxutil.ToPgxTxOptions(&sql.TxOptions{ReadOnly: true})
		assert.Equal(t, pgx.ReadOnly, ro.AccessMode)
	})

	t.Run("isolation levels", func(t *testing.T) {
		cases := []struct {
			input sql.IsolationLevel
			want  pgx.TxIsoLevel
		}{
			{sql.LevelDefault, pgx.TxIsoLevel("")},
			{sql.LevelSerializable, pgx.Serializable},
			{sql.LevelLinearizable, pgx.Serializable},
			{sql.LevelRepeatableRead, pgx.RepeatableRead},
			{sql.LevelSnapshot, pgx.RepeatableRead},
			{sql.LevelReadCommitted, pgx.ReadCommitted},
			{sql.LevelWriteCommitted, pgx.ReadCommitted},
			{sql.LevelReadUncommitted, pgx.ReadUncommitted},
		}

		for _, tc := range cases {
			t.Run(tc.input.String(), func(t *testing.T) {
				result := pgxutil.ToPgxTxOptions(&sql.TxOptions{Isolation: tc.input})
				assert.Equal(t, tc.want, result.IsoLevel)
			})
		}
	})
}

func TestJobRepoListFilters(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
		browserJob, err := repo.Create(ctx, &model.CreateJobRequest{
			Type:     model.JobTypeBrowser,
			Payload:  json.RawMessage(`{"url": "https://example.com"}`),
			Priority: 50,
		})
		require.NoError(t, err)

		rulesJob, err := repo.Create(ctx, &model.CreateJobRequest{
			Type:     model.JobTypeRules,
			Payload:  json.RawMessage(`{"rules": ["rule1"]}`),
			Priority: 75,
			IsTest:   true,
		})
		require.NoError(t, err)

		alertJob, err := repo.Create(ctx, &model.CreateJobRequest{
			Type:     model.JobTypeAlert,
			Payload:  json.RawMessage(`{"alert": "test"}`),
			Priority: 25,
		})
		require.NoError(t, err)

		// Drive the alert job to completed so status filtering has a target.
		_, err = repo.ReserveNext(ctx, core.ReserveNextParams{JobType: model.JobTypeAlert, LeaseSeconds: 30})
		require.NoError(t, err)
		success, err := repo.Complete(ctx, alertJob.ID)
		require.NoError(t, err)
		require.True(t, success)

		idsOf := func(jobs []*model.JobWithSiteName) []string {
			ids := make([]string, len(jobs))
			for i, job := range jobs {
				ids[i] = job.ID
			}
			return ids
		}

		t.Run("all jobs newest first", func(t *testing.T) {
			jobs, err := repo.List(ctx, &model.JobListOptions{Limit: 10})
			require.NoError(t, err)
			assert.Equal(t, []string{alertJob.ID, rulesJob.ID, browserJob.ID}, idsOf(jobs))
		})

		t.Run("filter by type", func(t *testing.T) {
			jobs, err := repo.List(ctx, &model.JobListOptions{
				Type:  ptr(model.JobTypeBrowser),
				Limit: 10,
			})
			require.NoError(t, err)
			assert.Equal(t, []string{browserJob.ID}, idsOf(jobs))
		})

		t.Run("filter by status", func(t *testing.T) {
			jobs, err := repo.List(ctx, &model.JobListOptions{
				Status: ptr(model.JobStatusCompleted),
				Limit:  10,
			})
			require.NoError(t, err)
			require.Equal(t, []string{alertJob.ID}, idsOf(jobs))
			assert.Equal(t, model.JobStatusCompleted, jobs[0].Status)
		})

		t.Run("filter by is_test", func(t *testing.T) {
			jobs, err := repo.List(ctx, &model.JobListOptions{
				IsTest: ptr(true),
				Limit:  10,
			})
			require.NoError(t, err)
			require.Equal(t, []string{rulesJob.ID}, idsOf(jobs))
			assert.True(t, jobs[0].IsTest)
		})

		t.Run("sort by type ascending", func(t *testing.T) {
			jobs, err := repo.List(ctx, &model.JobListOptions{
				SortBy:    "type",
				SortOrder: "asc",
				Limit:     10,
			})
			require.NoError(t, err)
			require.Len(t, jobs, 3)
			assert.Equal(t, model.JobTypeAlert, jobs[0].Type)
			assert.Equal(t, model.JobTypeBrowser, jobs[1].Type)
			assert.Equal(t, model.JobTypeRules, jobs[2].Type)
		})

		t.Run("limit truncates newest first", func(t *testing.T) {
			jobs, err := repo.List(ctx, &model.JobListOptions{Limit: 2})
			require.NoError(t, err)
			assert.Equal(t, []string{alertJob.ID, rulesJob.ID}, idsOf(jobs))
		})

		t.Run("event counts default to zero", func(t *testing.T) {
			jobs, err := repo.List(ctx, &model.JobListOptions{Limit: 10})
			require.NoError(t, err)
			for _, job := range jobs {
				assert.Equal(t, 0, job.EventCount)
			}
		})
	})
}

// setJobLease forces a lease expiry on a row directly, bypassing
// reservation, to exercise the delete guard's lease check.
func setJobLease(t *testing.T, db *sql.DB, jobID string, expiresAt time.Time) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`UPDATE jobs SET lease_expires_at = $2 WHERE id = $1`, jobID, expiresAt)
	require.NoError(t, err)
}

func TestJobRepoDelete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("pending job without lease", func(t *testing.T) {
		withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
			job := createBrowserJob(t, repo, 0)
			require.Nil(t, job.LeaseExpiresAt)

			require.NoError(t, repo.Delete(ctx, job.ID))

			_, err := repo.GetByID(ctx, job.ID)
			require.ErrorIs(t, err, ErrJobNotFound)
		})
	})

	t.Run("unknown job", func(t *testing.T) {
		withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
			err := repo.Delete(ctx, "00000000-0000-0000-0000-000000000000")
			require.ErrorIs(t, err, ErrJobNotFound)
		})
	})

	t.Run("running job is protected", func(t *testing.T) {
		withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
			job := createBrowserJob(t, repo, 0)
			_, err := reserveBrowser(t, repo)
			require.NoError(t, err)

			err = repo.Delete(ctx, job.ID)
			require.ErrorIs(t, err, ErrJobNotDeletable)

			_, err = repo.GetByID(ctx, job.ID)
			require.NoError(t, err, "protected job must survive the attempt")
		})
	})

	t.Run("completed job", func(t *testing.T) {
		withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
			job := createBrowserJob(t, repo, 0)
			_, err := reserveBrowser(t, repo)
			require.NoError(t, err)
			_, err = repo.Complete(ctx, job.ID)
			require.NoError(t, err)

			require.NoError(t, repo.Delete(ctx, job.ID))

			_, err = repo.GetByID(ctx, job.ID)
			require.ErrorIs(t, err, ErrJobNotFound)
		})
	})

	t.Run("failed job", func(t *testing.T) {
		withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
			// One retry means the first failure is terminal.
			job := createBrowserJob(t, repo, 1)
			_, err := reserveBrowser(t, repo)
			require.NoError(t, err)
			_, err = repo.Fail(ctx, job.ID, "test error")
			require.NoError(t, err)

			failed, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			require.Equal(t, model.JobStatusFailed, failed.Status)

			require.NoError(t, repo.Delete(ctx, job.ID))
		})
	})

	t.Run("pending job reserved mid-flight", func(t *testing.T) {
		withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
			job := createBrowserJob(t, repo, 0)
			setJobLease(t, db, job.ID, time.Now().Add(30*time.Second))

			err := repo.Delete(ctx, job.ID)
			require.ErrorIs(t, err, ErrJobReserved)

			_, err = repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
		})
	})

	t.Run("pending job with expired lease", func(t *testing.T) {
		withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
			job := createBrowserJob(t, repo, 0)
			setJobLease(t, db, job.ID, time.Now().Add(-time.Hour))

			require.NoError(t, repo.Delete(ctx, job.ID))

			_, err := repo.GetByID(ctx, job.ID)
			require.ErrorIs(t, err, ErrJobNotFound)
		})
	})

	t.Run("deleting a job nulls event references", func(t *testing.T) {
		withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
			job := createBrowserJob(t, repo, 0)

			var eventID string
			err := db.QueryRowContext(ctx, `
				INSERT INTO events (session_id, source_job_id, event_type, event_data)
				VALUES ($1, $2, $3, $4)
				RETURNING id
			`, "550e8400-e29b-41d4-a716-446655440000", job.ID, "test_event",
				json.RawMessage(`{"test": true}`)).Scan(&eventID)
			require.NoError(t, err)

			require.NoError(t, repo.Delete(ctx, job.ID))

			var sourceJobID *string
			err = db.QueryRowContext(ctx,
				`SELECT source_job_id FROM events WHERE id = $1`, eventID).Scan(&sourceJobID)
			require.NoError(t, err)
			assert.Nil(t, sourceJobID, "ON DELETE SET NULL must clear the reference")
		})
	})
}

func TestJobRepoListRecentByType(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	withJobRepo(t, func(ctx context.Context, db *sql.DB, repo *JobRepo) {
		siteAID := insertSite(t, db, "Site A")
		siteBID := insertSite(t, db, "Site B")

		createFor := func(siteID *string, isTest bool, jobType model.JobType) *model.Job {
			payload := json.RawMessage(`{"url": "https://example.com"}`)
			if jobType == model.JobTypeRules {
				payload = json.RawMessage(`{"rules": ["rule1"]}`)
			}
			job, err := repo.Create(ctx, &model.CreateJobRequest{
				Type:     jobType,
				Payload:  payload,
				SiteID:   siteID,
				IsTest:   isTest,
				Priority: 50,
			})
			require.NoError(t, err)
			return job
		}

		jobA := createFor(&siteAID, false, model.JobTypeBrowser)
		jobB := createFor(&siteBID, false, model.JobTypeBrowser)
		jobNoSite := createFor(nil, false, model.JobTypeBrowser)
		createFor(&siteAID, true, model.JobTypeBrowser) // test job, excluded
		createFor(&siteAID, false, model.JobTypeRules)  // different type

		jobs, err := repo.ListRecentByType(ctx, model.JobTypeBrowser, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 3, "test jobs and other types stay out")

		// Newest first, with site names joined in.
		assert.Equal(t, jobNoSite.ID, jobs[0].ID)
		assert.Empty(t, jobs[0].SiteName)
		assert.Equal(t, jobB.ID, jobs[1].ID)
		assert.Equal(t, "Site B", jobs[1].SiteName)
		assert.Equal(t, jobA.ID, jobs[2].ID)
		assert.Equal(t, "Site A", jobs[2].SiteName)

		for _, job := range jobs {
			assert.False(t, job.IsTest)
			assert.Equal(t, 0, job.EventCount)
		}

		limited, err := repo.ListRecentByType(ctx, model.JobTypeBrowser, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		rulesJobs, err := repo.ListRecentByType(ctx, model.JobTypeRules, 10)
		require.NoError(t, err)
		require.Len(t, rulesJobs, 1)
		assert.Equal(t, "Site A", rulesJobs[0].SiteName)
	})
}
