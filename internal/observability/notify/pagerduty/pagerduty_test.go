package pagerduty

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagesentry/pagesentry/internal/observability/notify"
)

func TestNewClientRequiresRoutingKey(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)

	_, err = NewClient(Config{RoutingKey: "  "})
	require.Error(t, err)
}

func TestBuildEvent(t *testing.T) {
	client, err := NewClient(Config{RoutingKey: "key", Timeout: time.Second})
	require.NoError(t, err)

	occurred := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	event := client.buildEvent(notify.JobFailurePayload{
		JobID:      "123",
		JobType:    "rules",
		SiteID:     "site-1",
		Scope:      "global",
		Error:      "boom",
		ErrorClass: "err_class",
		OccurredAt: occurred,
		Metadata:   map[string]string{"region": "us-east", "job_id": "spoofed"},
	})

	assert.Equal(t, "key", event["routing_key"])
	assert.Equal(t, "trigger", event["event_action"])
	assert.Equal(t, "rules:123", event["dedup_key"])

	section, ok := event["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Job 123 (rules) failed", section["summary"])
	assert.Equal(t, notify.SeverityCritical, section["severity"])
	assert.Equal(t, "pagesentry", section["source"])
	assert.Equal(t, "pagesentry", section["component"])
	assert.Equal(t, "2026-03-04T05:06:07Z", section["timestamp"])

	custom, ok := section["custom_details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "123", custom["job_id"], "metadata must not clobber core details")
	assert.Equal(t, "us-east", custom["region"])
}

func TestBuildEventDefaults(t *testing.T) {
	client, err := NewClient(Config{RoutingKey: "key"})
	require.NoError(t, err)

	event := client.buildEvent(notify.JobFailurePayload{Error: "boom"})

	assert.Equal(t, "", event["dedup_key"])
	section := event["payload"].(map[string]any)
	assert.Equal(t, "Job unknown (unknown) failed", section["summary"])
	assert.NotEmpty(t, section["timestamp"])
}

func TestSendJobFailureRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "throttled", http.StatusTooManyRequests)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var event map[string]any
		assert.NoError(t, json.Unmarshal(body, &event))
		assert.Equal(t, "trigger", event["event_action"])
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		RoutingKey: "key",
		Endpoint:   srv.URL,
		RetryLimit: 1,
	})
	require.NoError(t, err)

	err = client.SendJobFailure(context.Background(), notify.JobFailurePayload{
		JobID:   "abc",
		JobType: "browser",
		Error:   "boom",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestSendJobFailureSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad routing key", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{RoutingKey: "key", Endpoint: srv.URL})
	require.NoError(t, err)

	err = client.SendJobFailure(context.Background(), notify.JobFailurePayload{Error: "boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
