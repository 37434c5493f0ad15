package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/pagesentry/pagesentry/internal/domain/model"
	"github.com/pagesentry/pagesentry/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRepo_ListByJob_EventTypeFilter(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := &EventRepo{DB: db}
		jobRepo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		job, err := jobRepo.Create(ctx, &model.CreateJobRequest{
			Type:     model.JobTypeBrowser,
			Payload:  json.RawMessage(`{"url":"https://example.com"}`),
			Priority: 25,
		})
		require.NoError(t, err)
		jobID := job.ID

		req := model.BulkEventRequest{
			SessionID:   "550e8400-e29b-41d4-a716-446655440000",
			SourceJobID: &jobID,
			Events: []model.RawEvent{
				{Type: "Network.requestWillBeSent", Data: []byte(`{"url": "https://example.com"}`)},
				{Type: "Network.requestWillBeSent", Data: []byte(`{"url": "https://test.com"}`)},
				{Type: "Runtime.consoleAPICalled", Data: []byte(`{"type": "log", "args": ["Hello"]}`)},
				{Type: "Page.goto", Data: []byte(`{"url": "https://test.com"}`)},
			},
		}

		_, err = repo.BulkInsert(ctx, req, false)
		require.NoError(t, err)

		// Exact event_type match returns only matching rows
		networkOpts := model.EventListByJobOptions{
			JobID:     jobID,
			EventType: evStringPtr("Network.requestWillBeSent"),
			Limit:     10,
			Offset:    0,
		}
		networkEvents, err := repo.ListByJob(ctx, networkOpts)
		require.NoError(t, err)
		assert.Len(t, networkEvents, 2)
		for _, ev := range networkEvents {
			assert.Equal(t, "Network.requestWillBeSent", ev.EventType)
		}

		// CountByJob applies the same filter
		count, err := repo.CountByJob(ctx, networkOpts)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		// Non-matching type filter returns nothing
		noneOpts := model.EventListByJobOptions{
			JobID:     jobID,
			EventType: evStringPtr("Security.monitoringInitialized"),
			Limit:     10,
			Offset:    0,
		}
		noneEvents, err := repo.ListByJob(ctx, noneOpts)
		require.NoError(t, err)
		assert.Empty(t, noneEvents)

		// Empty filter string is treated as no filter
		allOpts := model.EventListByJobOptions{
			JobID:     jobID,
			EventType: evStringPtr(""),
			Limit:     10,
			Offset:    0,
		}
		allEvents, err := repo.ListByJob(ctx, allOpts)
		require.NoError(t, err)
		assert.Len(t, allEvents, 4)
	})
}

func TestEventRepo_ListByJob_SearchQuery(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := &EventRepo{DB: db}
		jobRepo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		job, err := jobRepo.Create(ctx, &model.CreateJobRequest{
			Type:     model.JobTypeBrowser,
			Payload:  json.RawMessage(`{"url":"https://example.com"}`),
			Priority: 25,
		})
		require.NoError(t, err)
		jobID := job.ID

		req := model.BulkEventRequest{
			SessionID:   "550e8400-e29b-41d4-a716-446655440001",
			SourceJobID: &jobID,
			Events: []model.RawEvent{
				{Type: "Network.requestWillBeSent", Data: []byte(`{"url": "https://example.com", "method": "GET"}`)},
				{Type: "Runtime.consoleAPICalled", Data: []byte(`{"type": "log", "args": ["Hello World"]}`)},
				{Type: "Page.goto", Data: []byte(`{"url": "https://test.com"}`)},
			},
		}

		_, err = repo.BulkInsert(ctx, req, false)
		require.NoError(t, err)

		// Search matches event_data text
		searchOpts := model.EventListByJobOptions{
			JobID:       jobID,
			SearchQuery: evStringPtr("example.com"),
			Limit:       10,
			Offset:      0,
		}
		searchEvents, err := repo.ListByJob(ctx, searchOpts)
		require.NoError(t, err)
		assert.Len(t, searchEvents, 1)
		assert.Equal(t, "Network.requestWillBeSent", searchEvents[0].EventType)

		// Search is case-insensitive
		helloOpts := model.EventListByJobOptions{
			JobID:       jobID,
			SearchQuery: evStringPtr("hello"),
			Limit:       10,
			Offset:      0,
		}
		helloEvents, err := repo.ListByJob(ctx, helloOpts)
		require.NoError(t, err)
		assert.Len(t, helloEvents, 1)
		assert.Equal(t, "Runtime.consoleAPICalled", helloEvents[0].EventType)

		// Non-matching term returns nothing
		noMatchOpts := model.EventListByJobOptions{
			JobID:       jobID,
			SearchQuery: evStringPtr("nonexistent"),
			Limit:       10,
			Offset:      0,
		}
		noMatchEvents, err := repo.ListByJob(ctx, noMatchOpts)
		require.NoError(t, err)
		assert.Empty(t, noMatchEvents)

		// Search and type filter compose
		composedOpts := model.EventListByJobOptions{
			JobID:       jobID,
			EventType:   evStringPtr("Page.goto"),
			SearchQuery: evStringPtr("test.com"),
			Limit:       10,
			Offset:      0,
		}
		composedEvents, err := repo.ListByJob(ctx, composedOpts)
		require.NoError(t, err)
		assert.Len(t, composedEvents, 1)
		assert.Equal(t, "Page.goto", composedEvents[0].EventType)
	})
}

func TestEventRepo_ListByJob_SortDirection(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := &EventRepo{DB: db}
		jobRepo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		job, err := jobRepo.Create(ctx, &model.CreateJobRequest{
			Type:     model.JobTypeBrowser,
			Payload:  json.RawMessage(`{"url":"https://example.com"}`),
			Priority: 25,
		})
		require.NoError(t, err)
		jobID := job.ID

		baseTime := time.Now().Add(-5 * time.Minute)
		req := model.BulkEventRequest{
			SessionID:   "550e8400-e29b-41d4-a716-446655440002",
			SourceJobID: &jobID,
			Events: []model.RawEvent{
				{Type: "first.event", Data: []byte(`{"order": 1}`), Timestamp: baseTime},
				{Type: "middle.event", Data: []byte(`{"order": 2}`), Timestamp: baseTime.Add(time.Minute)},
				{Type: "last.event", Data: []byte(`{"order": 3}`), Timestamp: baseTime.Add(2 * time.Minute)},
			},
		}

		_, err = repo.BulkInsert(ctx, req, false)
		require.NoError(t, err)

		// Default is created_at ASC
		ascOpts := model.EventListByJobOptions{
			JobID:  jobID,
			Limit:  10,
			Offset: 0,
		}
		ascEvents, err := repo.ListByJob(ctx, ascOpts)
		require.NoError(t, err)
		require.Len(t, ascEvents, 3)
		for i := 1; i < len(ascEvents); i++ {
			assert.False(t, ascEvents[i].CreatedAt.Before(ascEvents[i-1].CreatedAt))
		}

		// Explicit desc reverses the order
		descOpts := model.EventListByJobOptions{
			JobID:   jobID,
			SortDir: evStringPtr("desc"),
			Limit:   10,
			Offset:  0,
		}
		descEvents, err := repo.ListByJob(ctx, descOpts)
		require.NoError(t, err)
		require.Len(t, descEvents, 3)
		for i := 1; i < len(descEvents); i++ {
			assert.False(t, descEvents[i].CreatedAt.After(descEvents[i-1].CreatedAt))
		}
	})
}
