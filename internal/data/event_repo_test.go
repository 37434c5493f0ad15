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

	"github.com/pagesentry/pagesentry/internal/domain/model"
	"github.com/pagesentry/pagesentry/internal/testutil"
)

// Shared by the event repo test files in this package.
func intPtr(i int) *int            { return &i }
func evStringPtr(s string) *string { return &s }

type eventRepoFixture struct {
	t      *testing.T
	ctx    context.Context
	db     *sql.DB
	events *EventRepo
	jobs   *JobRepo
}

func withEventRepo(t *testing.T, fn func(f *eventRepoFixture)) {
	t.Helper()
	testutil.SkipIfNoTestDB(t)
	testutil.WithAutoDB(t, func(db *sql.DB) {
		fn(&eventRepoFixture{
			t:      t,
			ctx:    context.Background(),
			db:     db,
			events: &EventRepo{DB: db},
			jobs:   NewJobRepo(db, RepoConfig{}),
		})
	})
}

// sourceJob creates a browser job for events to reference.
func (f *eventRepoFixture) sourceJob() string {
	f.t.Helper()
	job, err := f.jobs.Create(f.ctx, &model.CreateJobRequest{
		Type:    model.JobTypeBrowser,
		Payload: json.RawMessage(`{"url":"https://example.com"}`),
	})
	require.NoError(f.t, err)
	return job.ID
}

type eventRow struct {
	sessionID     string
	sourceJobID   sql.NullString
	eventType     string
	eventData     sql.NullString
	priority      int
	shouldProcess bool
	processed     bool
}

// rawRows reads the persisted event rows for a session straight from the
// table, bypassing the repo's read path.
func (f *eventRepoFixture) rawRows(sessionID string) []eventRow {
	f.t.Helper()
	rows, err := f.db.Query(`
		SELECT session_id::text, source_job_id::text, event_type, event_data::text,
		       priority, should_process, processed
		FROM events
		WHERE session_id = $1
		ORDER BY event_type ASC`, sessionID)
	require.NoError(f.t, err)
	defer func() { _ = rows.Close() }()

	var got []eventRow
	for rows.Next() {
		var r eventRow
		require.NoError(f.t, rows.Scan(
			&r.sessionID,
			&r.sourceJobID,
			&r.eventType,
			&r.eventData,
			&r.priority,
			&r.shouldProcess,
			&r.processed,
		))
		got = append(got, r)
	}
	require.NoError(f.t, rows.Err())
	return got
}

// assertScanBatch checks the two-event batch the insert tests share: one
// explicit-priority domain event and one default-priority file event, both
// attributed to srcID.
func assertScanBatch(t *testing.T, got []eventRow, sessionID, srcID string) {
	t.Helper()
	require.Len(t, got, 2)

	for _, r := range got {
		assert.Equal(t, sessionID, r.sessionID)
		require.True(t, r.sourceJobID.Valid)
		assert.Equal(t, srcID, r.sourceJobID.String)
		assert.True(t, r.shouldProcess)
		assert.False(t, r.processed)
	}

	assert.Equal(t, "domain_seen", got[0].eventType)
	require.True(t, got[0].eventData.Valid)
	assert.JSONEq(t, `{"domain":"example.com"}`, got[0].eventData.String)
	assert.Equal(t, 42, got[0].priority)

	assert.Equal(t, "file_seen", got[1].eventType)
	require.True(t, got[1].eventData.Valid)
	assert.JSONEq(t, `{"sha256":"abc"}`, got[1].eventData.String)
	assert.Equal(t, 0, got[1].priority)
}

func scanBatch(sessionID string, srcID *string) model.BulkEventRequest {
	return model.BulkEventRequest{
		SessionID:   sessionID,
		SourceJobID: srcID,
		Events: []model.RawEvent{
			{
				Type:     "domain_seen",
				Data:     json.RawMessage(`{"domain":"example.com"}`),
				Priority: intPtr(42),
			},
			{
				Type: "file_seen",
				Data: json.RawMessage(`{"sha256":"abc"}`),
			},
		},
	}
}

func TestEventRepoBulkInsert(t *testing.T) {
	t.Run("records source job and per-event priority", func(t *testing.T) {
		withEventRepo(t, func(f *eventRepoFixture) {
			sessionID := "550e8400-e29b-41d4-a716-446655440000"
			srcID := f.sourceJob()

			created, err := f.events.BulkInsert(f.ctx, scanBatch(sessionID, &srcID), true)
			require.NoError(t, err)
			assert.Equal(t, 2, created)

			assertScanBatch(t, f.rawRows(sessionID), sessionID, srcID)
		})
	})

	t.Run("should_process false persists", func(t *testing.T) {
		withEventRepo(t, func(f *eventRepoFixture) {
			sessionID := "550e8400-e29b-41d4-a716-446655440001"
			req := model.BulkEventRequest{
				SessionID: sessionID,
				Events: []model.RawEvent{
					{Type: "noop", Data: json.RawMessage(`{"ok":true}`), Priority: intPtr(5)},
				},
			}

			created, err := f.events.BulkInsert(f.ctx, req, false)
			require.NoError(t, err)
			assert.Equal(t, 1, created)

			var shouldProcess, processed bool
			err = f.db.QueryRow(
				`SELECT should_process, processed FROM events WHERE session_id = $1`, sessionID,
			).Scan(&shouldProcess, &processed)
			require.NoError(t, err)
			assert.False(t, shouldProcess)
			assert.False(t, processed)
		})
	})

	t.Run("rolls back the whole batch on a bad row", func(t *testing.T) {
		withEventRepo(t, func(f *eventRepoFixture) {
			sessionID := "550e8400-e29b-41d4-a716-446655440002"
			req := model.BulkEventRequest{
				SessionID: sessionID,
				Events: []model.RawEvent{
					{Type: "ok_event", Data: json.RawMessage(`{"n":1}`), Priority: intPtr(10)},
					// Violates the 0..100 priority check.
					{Type: "bad_event", Data: json.RawMessage(`{"n":2}`), Priority: intPtr(200)},
				},
			}

			created, err := f.events.BulkInsert(f.ctx, req, true)
			require.Error(t, err)
			assert.Equal(t, 0, created)

			var cnt int
			err = f.db.QueryRow(`SELECT COUNT(*) FROM events WHERE session_id = $1`, sessionID).Scan(&cnt)
			require.NoError(t, err)
			assert.Equal(t, 0, cnt)
		})
	})

	t.Run("source job id is optional", func(t *testing.T) {
		withEventRepo(t, func(f *eventRepoFixture) {
			sessionID := "550e8400-e29b-41d4-a716-446655440003"
			req := model.BulkEventRequest{
				SessionID: sessionID,
				Events: []model.RawEvent{
					{Type: "event_without_source", Data: json.RawMessage(`{"a":1}`)},
				},
			}

			created, err := f.events.BulkInsert(f.ctx, req, true)
			require.NoError(t, err)
			assert.Equal(t, 1, created)

			var src sql.NullString
			err = f.db.QueryRow(
				`SELECT source_job_id::text FROM events WHERE session_id = $1`, sessionID,
			).Scan(&src)
			require.NoError(t, err)
			assert.False(t, src.Valid)
		})
	})
}

func TestEventRepoBulkInsertCopy(t *testing.T) {
	withEventRepo(t, func(f *eventRepoFixture) {
		sessionID := "550e8400-e29b-41d4-a716-446655440004"
		srcID := f.sourceJob()

		created, err := f.events.BulkInsertCopy(f.ctx, scanBatch(sessionID, &srcID), true)
		require.NoError(t, err)
		assert.Equal(t, 2, created)

		// The COPY path must land identical rows to the INSERT path.
		assertScanBatch(t, f.rawRows(sessionID), sessionID, srcID)
	})
}

func TestEventRepoListByJob(t *testing.T) {
	t.Run("orders by created_at and preserves payloads", func(t *testing.T) {
		withEventRepo(t, func(f *eventRepoFixture) {
			jobID := f.sourceJob()
			sessionID := "550e8400-e29b-41d4-a716-446655440010"

			req := model.BulkEventRequest{
				SessionID:   sessionID,
				SourceJobID: &jobID,
				Events: []model.RawEvent{
					{
						Type:      "domain_seen",
						Data:      json.RawMessage(`{"domain":"example.com"}`),
						Priority:  intPtr(10),
						Timestamp: time.Now().Add(-3 * time.Minute),
					},
					{
						Type:      "file_seen",
						Data:      json.RawMessage(`{"sha256":"abc123"}`),
						Priority:  intPtr(20),
						Timestamp: time.Now().Add(-2 * time.Minute),
					},
					{
						Type:      "alert_triggered",
						Data:      json.RawMessage(`{"severity":"high"}`),
						Priority:  intPtr(30),
						Timestamp: time.Now().Add(-1 * time.Minute),
					},
				},
			}

			created, err := f.events.BulkInsert(f.ctx, req, true)
			require.NoError(t, err)
			assert.Equal(t, 3, created)

			events, err := f.events.ListByJob(f.ctx, model.EventListByJobOptions{JobID: jobID, Limit: 10, Offset: 0})
			require.NoError(t, err)
			require.Len(t, events, 3)

			for _, event := range events {
				require.NotNil(t, event.SourceJobID)
				assert.Equal(t, jobID, *event.SourceJobID)
				assert.Equal(t, sessionID, event.SessionID)
				assert.True(t, event.ShouldProcess)
				assert.False(t, event.Processed)
			}
			assertAscendingCreatedAt(t, events)

			byType := make(map[string]*model.Event, len(events))
			for _, event := range events {
				byType[event.EventType] = event
			}
			require.Len(t, byType, 3)
			assert.JSONEq(t, `{"domain":"example.com"}`, string(byType["domain_seen"].EventData))
			assert.Equal(t, 10, byType["domain_seen"].Priority)
			assert.JSONEq(t, `{"sha256":"abc123"}`, string(byType["file_seen"].EventData))
			assert.Equal(t, 20, byType["file_seen"].Priority)
			assert.JSONEq(t, `{"severity":"high"}`, string(byType["alert_triggered"].EventData))
			assert.Equal(t, 30, byType["alert_triggered"].Priority)
		})
	})

	t.Run("paginates with stable ordering", func(t *testing.T) {
		withEventRepo(t, func(f *eventRepoFixture) {
			jobID := f.sourceJob()
			sessionID := "550e8400-e29b-41d4-a716-446655440011"

			events := make([]model.RawEvent, 5)
			for i := range 5 {
				events[i] = model.RawEvent{
					Type:      fmt.Sprintf("event_%d", i),
					Data:      json.RawMessage(fmt.Sprintf(`{"index":%d}`, i)),
					Priority:  intPtr(i * 10),
					Timestamp: time.Now().Add(time.Duration(i) * time.Minute),
				}
			}
			created, err := f.events.BulkInsert(f.ctx, model.BulkEventRequest{
				SessionID:   sessionID,
				SourceJobID: &jobID,
				Events:      events,
			}, true)
			require.NoError(t, err)
			assert.Equal(t, 5, created)

			page := func(limit, offset int) []*model.Event {
				got, err := f.events.ListByJob(f.ctx, model.EventListByJobOptions{
					JobID:  jobID,
					Limit:  limit,
					Offset: offset,
				})
				require.NoError(t, err)
				return got
			}

			page1 := page(2, 0)
			require.Len(t, page1, 2)
			assertAscendingCreatedAt(t, page1)

			page2 := page(2, 2)
			require.Len(t, page2, 2)
			assertAscendingCreatedAt(t, page2)

			require.Len(t, page(2, 4), 1)
			assert.Empty(t, page(2, 10))

			all := page(10, 0)
			require.Len(t, all, 5)
			assertAscendingCreatedAt(t, all)
		})
	})

	t.Run("unknown job yields an empty list", func(t *testing.T) {
		withEventRepo(t, func(f *eventRepoFixture) {
			events, err := f.events.ListByJob(f.ctx, model.EventListByJobOptions{
				JobID:  "550e8400-e29b-41d4-a716-446655440999",
				Limit:  10,
				Offset: 0,
			})
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	})

	t.Run("normalizes out-of-range limits", func(t *testing.T) {
		withEventRepo(t, func(f *eventRepoFixture) {
			jobID := f.sourceJob()

			// Zero and oversized limits fall back to the defaults rather
			// than erroring.
			for _, limit := range []int{0, 2000} {
				events, err := f.events.ListByJob(f.ctx, model.EventListByJobOptions{
					JobID:  jobID,
					Limit:  limit,
					Offset: 0,
				})
				require.NoError(t, err)
				assert.Empty(t, events)
			}
		})
	})
}

func assertAscendingCreatedAt(t *testing.T, events []*model.Event) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].CreatedAt.Before(events[i-1].CreatedAt),
			"events should be ordered by created_at ASC")
	}
}

func TestEventRepoBulkInsertWithProcessingFlags(t *testing.T) {
	withEventRepo(t, func(f *eventRepoFixture) {
		jobID := f.sourceJob()
		sessionID := "550e8400-e29b-41d4-a716-446655440020"

		req := model.BulkEventRequest{
			SessionID:   sessionID,
			SourceJobID: &jobID,
			Events: []model.RawEvent{
				{Type: "Network.requestWillBeSent", Data: json.RawMessage(`{"url":"https://example.com"}`)},
				{Type: "Runtime.consoleAPICalled", Data: json.RawMessage(`{"type":"log"}`)},
				{Type: "domain_seen", Data: json.RawMessage(`{"domain":"example.com"}`)},
			},
		}

		// The filter marks the console chatter as skip-worthy, the rest
		// flows to the rules engine.
		count, err := f.events.BulkInsertWithProcessingFlags(f.ctx, req, map[int]bool{
			0: true,
			1: false,
			2: true,
		})
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		events, err := f.events.ListByJob(f.ctx, model.EventListByJobOptions{JobID: jobID, Limit: 10, Offset: 0})
		require.NoError(t, err)
		require.Len(t, events, 3)

		flags := make(map[string]bool, len(events))
		for _, event := range events {
			flags[event.EventType] = event.ShouldProcess
		}
		assert.True(t, flags["Network.requestWillBeSent"])
		assert.False(t, flags["Runtime.consoleAPICalled"])
		assert.True(t, flags["domain_seen"])
	})
}

func TestEventRepoGetByIDs(t *testing.T) {
	t.Run("rejects malformed ids", func(t *testing.T) {
		repo := &EventRepo{DB: nil}
		_, err := repo.GetByIDs(context.Background(), []string{"not-a-uuid"})
		require.Error(t, err)
	})

	t.Run("returns the requested events", func(t *testing.T) {
		withEventRepo(t, func(f *eventRepoFixture) {
			jobID := f.sourceJob()

			_, err := f.events.BulkInsert(f.ctx, model.BulkEventRequest{
				SessionID:   "550e8400-e29b-41d4-a716-446655440030",
				SourceJobID: &jobID,
				Events: []model.RawEvent{
					{Type: "console.log", Data: json.RawMessage(`{"msg":"hello"}`), Timestamp: time.Now()},
					{Type: "network.request", Data: json.RawMessage(`{"url":"https://example.com"}`), Timestamp: time.Now()},
				},
			}, true)
			require.NoError(t, err)

			listed, err := f.events.ListByJob(f.ctx, model.EventListByJobOptions{JobID: jobID, Limit: 10, Offset: 0})
			require.NoError(t, err)
			require.Len(t, listed, 2)
			ids := []string{listed[0].ID, listed[1].ID}

			got, err := f.events.GetByIDs(f.ctx, ids)
			require.NoError(t, err)
			require.Len(t, got, 2)

			gotIDs := map[string]bool{got[0].ID: true, got[1].ID: true}
			assert.True(t, gotIDs[ids[0]])
			assert.True(t, gotIDs[ids[1]])
		})
	})
}
