package rulesrunner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/pagesentry/pagesentry/internal/core"
	"github.com/pagesentry/pagesentry/internal/domain/model"
	domainrules "github.com/pagesentry/pagesentry/internal/domain/rules"
	"github.com/pagesentry/pagesentry/internal/mocks"
	rulecache "github.com/pagesentry/pagesentry/internal/service/rules"
)

func TestNetworkEventHost(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		data      string
		want      string
		ok        bool
	}{
		{
			name:      "request url preferred",
			eventType: "Network.requestWillBeSent",
			data:      `{"request":{"url":"https://cdn.example.com/app.js"},"url":"https://other.example.com/"}`,
			want:      "cdn.example.com",
			ok:        true,
		},
		{
			name:      "top level url",
			eventType: "Network.responseReceived",
			data:      `{"url":"https://Example.COM:8443/path"}`,
			want:      "example.com",
			ok:        true,
		},
		{
			name:      "response url fallback",
			eventType: "Network.loadingFinished",
			data:      `{"response":{"url":"https://api.example.net/v1"}}`,
			want:      "api.example.net",
			ok:        true,
		},
		{
			name:      "scheme-less url",
			eventType: "Network.requestWillBeSent",
			data:      `{"url":"example.org/checkout"}`,
			want:      "example.org",
			ok:        true,
		},
		{
			name:      "protocol-relative url",
			eventType: "Network.requestWillBeSent",
			data:      `{"url":"//static.example.org/pixel.gif"}`,
			want:      "static.example.org",
			ok:        true,
		},
		{
			name:      "ipv6 host",
			eventType: "Network.requestWillBeSent",
			data:      `{"url":"http://[2001:db8::1]:8080/x"}`,
			want:      "2001:db8::1",
			ok:        true,
		},
		{
			name:      "non-network event",
			eventType: "Page.loadEventFired",
			data:      `{"url":"https://example.com/"}`,
			ok:        false,
		},
		{
			name:      "invalid json",
			eventType: "Network.requestWillBeSent",
			data:      `{not json`,
			ok:        false,
		},
		{
			name:      "no url anywhere",
			eventType: "Network.requestWillBeSent",
			data:      `{"requestId":"123"}`,
			ok:        false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := networkEventHost(tc.eventType, json.RawMessage(tc.data))
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

type processorMocks struct {
	events  *mocks.MockEventRepository
	results *mocks.MockJobResultRepository
}

// newTestProcessor wires a processor with mocked repositories, a fixed
// allowlist, and local-only dedupe state.
func newTestProcessor(t *testing.T, allowed ...string) (*processor, *processorMocks) {
	t.Helper()
	ctrl := gomock.NewController(t)
	pm := &processorMocks{
		events:  mocks.NewMockEventRepository(ctrl),
		results: mocks.NewMockJobResultRepository(ctrl),
	}

	patterns := make([]model.DomainAllowlist, 0, len(allowed))
	for _, domain := range allowed {
		patterns = append(patterns, model.DomainAllowlist{
			Scope:       "default",
			Pattern:     domain,
			PatternType: model.PatternTypeExact,
			Enabled:     true,
		})
	}
	fetch := func(_ context.Context, _ model.DomainAllowlistLookupRequest) ([]model.DomainAllowlist, error) {
		return patterns, nil
	}

	extractor, err := rulecache.NewSignatureExtractor(DefaultSignatureExpressions...)
	require.NoError(t, err)
	deduper, err := rulecache.NewAlertDeduper(rulecache.AlertDeduperOptions{
		Extractor: extractor,
		Seen:      rulecache.NewAlertOnceCache(rulecache.NewLocalLRU(rulecache.DefaultLocalLRUConfig()), nil),
	})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := &processor{
		events:      pm.events,
		coordinator: domainrules.NewJobCoordinator(domainrules.JobCoordinatorOptions{Logger: logger}),
		allowlist:   rulecache.NewDomainAllowlistChecker(rulecache.DomainAllowlistCheckerOptions{Fetch: fetch}),
		deduper:     deduper,
		results:     domainrules.NewResultStore(domainrules.ResultStoreOptions{Repository: pm.results, Logger: logger}),
		logger:      logger,
	}
	return p, pm
}

func rulesJob(t *testing.T, eventIDs ...string) *model.Job {
	t.Helper()
	payload, err := json.Marshal(domainrules.JobPayload{
		EventIDs: eventIDs,
		SiteID:   "site-1",
		Scope:    "default",
	})
	require.NoError(t, err)
	return &model.Job{
		ID:      "rules-job-1",
		Type:    model.JobTypeRules,
		Status:  model.JobStatusRunning,
		Payload: payload,
	}
}

func networkEvent(id, domain string) *model.Event {
	return &model.Event{
		ID:        id,
		SessionID: "sess-1",
		EventType: "Network.requestWillBeSent",
		EventData: json.RawMessage(`{"request":{"url":"https://` + domain + `/x"}}`),
	}
}

// captureUpsertResult decodes the persisted summary for assertions.
func captureUpsertResult(params core.UpsertJobResultParams, out *domainrules.ProcessingResults) error {
	return json.Unmarshal(params.Result, out)
}

func TestProcessor_AllowlistSuppression(t *testing.T) {
	p, pm := newTestProcessor(t, "allowed.example.com")
	job := rulesJob(t, "evt-1", "evt-2")

	pm.events.EXPECT().GetByIDs(gomock.Any(), []string{"evt-1", "evt-2"}).Return([]*model.Event{
		networkEvent("evt-1", "allowed.example.com"),
		networkEvent("evt-2", "evil.example.net"),
	}, nil)
	pm.events.EXPECT().MarkProcessedByIDs(gomock.Any(), []string{"evt-1", "evt-2"}).Return(2, nil)

	var got domainrules.ProcessingResults
	pm.results.EXPECT().Upsert(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, params core.UpsertJobResultParams) error {
			return captureUpsertResult(params, &got)
		})

	require.NoError(t, p.Process(context.Background(), job))

	assert.Equal(t, 2, got.DomainsProcessed)
	assert.Equal(t, 1, got.UnknownDomains)
	assert.Equal(t, 1, got.AlertsCreated)
	assert.Equal(t, 1, got.UnknownDomain.SuppressedAllowlist.Count)
	assert.Contains(t, got.UnknownDomain.Alerted.Samples, "evil.example.net")
}

func TestProcessor_DedupeSuppressesRepeat(t *testing.T) {
	p, pm := newTestProcessor(t)
	job := rulesJob(t, "evt-1", "evt-2")

	pm.events.EXPECT().GetByIDs(gomock.Any(), gomock.Any()).Return([]*model.Event{
		networkEvent("evt-1", "evil.example.net"),
		networkEvent("evt-2", "evil.example.net"),
	}, nil)
	pm.events.EXPECT().MarkProcessedByIDs(gomock.Any(), gomock.Any()).Return(2, nil)

	var got domainrules.ProcessingResults
	pm.results.EXPECT().Upsert(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, params core.UpsertJobResultParams) error {
			return captureUpsertResult(params, &got)
		})

	require.NoError(t, p.Process(context.Background(), job))

	assert.Equal(t, 2, got.DomainsProcessed)
	assert.Equal(t, 2, got.UnknownDomains)
	assert.Equal(t, 1, got.AlertsCreated)
	assert.Equal(t, 1, got.UnknownDomain.SuppressedDedupe.Count)
}

func TestProcessor_SkipsNonNetworkEvents(t *testing.T) {
	p, pm := newTestProcessor(t)
	job := rulesJob(t, "evt-1")

	pm.events.EXPECT().GetByIDs(gomock.Any(), gomock.Any()).Return([]*model.Event{
		{ID: "evt-1", EventType: "Page.loadEventFired", EventData: json.RawMessage(`{}`)},
	}, nil)
	pm.events.EXPECT().MarkProcessedByIDs(gomock.Any(), gomock.Any()).Return(1, nil)

	var got domainrules.ProcessingResults
	pm.results.EXPECT().Upsert(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, params core.UpsertJobResultParams) error {
			return captureUpsertResult(params, &got)
		})

	require.NoError(t, p.Process(context.Background(), job))

	assert.Equal(t, 1, got.EventsSkipped)
	assert.Zero(t, got.DomainsProcessed)
	assert.Zero(t, got.AlertsCreated)
}

func TestProcessor_InvalidPayload(t *testing.T) {
	p, _ := newTestProcessor(t)
	job := &model.Job{ID: "bad", Type: model.JobTypeRules, Payload: json.RawMessage(`{not json`)}

	err := p.Process(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse rules payload")
}

func TestProcessor_LoadEventsError(t *testing.T) {
	p, pm := newTestProcessor(t)
	job := rulesJob(t, "evt-1")

	pm.events.EXPECT().GetByIDs(gomock.Any(), gomock.Any()).Return(nil, errors.New("db down"))

	err := p.Process(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load events")
}

func TestProcessor_MarkProcessedErrorDoesNotFailJob(t *testing.T) {
	p, pm := newTestProcessor(t)
	job := rulesJob(t, "evt-1")

	pm.events.EXPECT().GetByIDs(gomock.Any(), gomock.Any()).Return([]*model.Event{
		networkEvent("evt-1", "evil.example.net"),
	}, nil)
	pm.events.EXPECT().MarkProcessedByIDs(gomock.Any(), gomock.Any()).Return(0, errors.New("db down"))

	var got domainrules.ProcessingResults
	pm.results.EXPECT().Upsert(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, params core.UpsertJobResultParams) error {
			return captureUpsertResult(params, &got)
		})

	require.NoError(t, p.Process(context.Background(), job))
	assert.Equal(t, 1, got.ErrorsEncountered)
}

func TestNewRunner_RequiresEventSource(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EventsRepo")
}
