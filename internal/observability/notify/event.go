package notify

import (
	"context"
	"time"
)

// SeverityCritical is the only severity terminal job failures carry today;
// sinks map it to their own escalation levels.
const SeverityCritical = "critical"

// JobFailurePayload is the sink-agnostic shape of a terminal job failure.
type JobFailurePayload struct {
	JobID      string
	JobType    string
	SiteID     string
	SiteName   string
	Scope      string
	IsTest     bool
	Error      string
	ErrorClass string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Sink delivers a failure payload to one destination (Slack, PagerDuty, ...).
type Sink interface {
	SendJobFailure(ctx context.Context, payload JobFailurePayload) error
}

// SinkFunc lets tests plug a plain function in as a Sink.
type SinkFunc func(ctx context.Context, payload JobFailurePayload) error

func (f SinkFunc) SendJobFailure(ctx context.Context, payload JobFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
