package failurenotifier

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagesentry/pagesentry/internal/domain/model"
	"github.com/pagesentry/pagesentry/internal/observability/notify"
)

type captureSink struct {
	mu       sync.Mutex
	payloads []notify.JobFailurePayload
	err      error
}

func (c *captureSink) SendJobFailure(_ context.Context, payload notify.JobFailurePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
	return c.err
}

func (c *captureSink) received() []notify.JobFailurePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.JobFailurePayload(nil), c.payloads...)
}

func TestNotifyJobFailureFanOut(t *testing.T) {
	first := &captureSink{}
	second := &captureSink{}
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "first", Sink: first},
			{Name: "second", Sink: second},
			{Name: "nil-skipped", Sink: nil},
		},
	})
	require.True(t, svc.Enabled())

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{
		JobID:   "123",
		JobType: "rules",
	})

	require.Len(t, first.received(), 1)
	require.Len(t, second.received(), 1)
	assert.Equal(t, notify.SeverityCritical, first.received()[0].Severity,
		"severity defaults to critical when unset")
}

func TestNotifyJobFailureNoSinks(t *testing.T) {
	svc := NewService(Options{})
	assert.False(t, svc.Enabled())
	// Must be a no-op, not a panic.
	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "123"})
}

func TestNotifyJobFailureSinkErrorIsSwallowed(t *testing.T) {
	failing := &captureSink{err: errors.New("boom")}
	healthy := &captureSink{}
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "fail", Sink: failing},
			{Name: "ok", Sink: healthy},
		},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "123"})

	assert.Len(t, failing.received(), 1)
	assert.Len(t, healthy.received(), 1, "one failing sink must not block the others")
}

func TestNotifyJobFailureSkipsTestBrowserJob(t *testing.T) {
	sink := &captureSink{}
	svc := NewService(Options{
		Sinks: []SinkRegistration{{Name: "capture", Sink: sink}},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{
		JobID:   "test-job",
		JobType: string(model.JobTypeBrowser),
		IsTest:  true,
	})
	assert.Empty(t, sink.received())

	// Test rules jobs still page.
	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{
		JobID:   "rules-job",
		JobType: string(model.JobTypeRules),
		IsTest:  true,
	})
	assert.Len(t, sink.received(), 1)
}
