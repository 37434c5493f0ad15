// Package failurenotifier fans job failure events out to alerting sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pagesentry/pagesentry/internal/domain/model"
	"github.com/pagesentry/pagesentry/internal/observability/notify"
)

// SinkRegistration pairs a sink with the name used in delivery logs.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
}

// Service delivers each failure event to every registered sink concurrently.
// Delivery errors are logged, never propagated; one slow or broken sink must
// not block the job pipeline.
type Service struct {
	logger *slog.Logger
	sinks  []SinkRegistration
}

// NewService builds a notifier, dropping nil sinks from the registration list.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "failure_notifier")
	}

	sinks := make([]SinkRegistration, 0, len(opts.Sinks))
	for _, reg := range opts.Sinks {
		if reg.Sink == nil {
			continue
		}
		if reg.Name == "" {
			reg.Name = "sink"
		}
		sinks = append(sinks, reg)
	}

	return &Service{logger: logger, sinks: sinks}
}

// Enabled reports whether any sink is registered.
func (s *Service) Enabled() bool {
	return len(s.sinks) > 0
}

// NotifyJobFailure sends the payload to all sinks and waits for delivery.
// Failures of test browser jobs are suppressed; those are operator-triggered
// dry runs and paging on them is noise.
func (s *Service) NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload) {
	if len(s.sinks) == 0 {
		return
	}

	if payload.IsTest && payload.JobType == string(model.JobTypeBrowser) {
		s.logger.DebugContext(ctx, "skipping notification for test browser job",
			"job_id", payload.JobID,
			"job_type", payload.JobType,
		)
		return
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}

	var wg sync.WaitGroup
	for _, reg := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.deliver(ctx, reg, payload)
		}()
	}
	wg.Wait()
}

func (s *Service) deliver(ctx context.Context, reg SinkRegistration, payload notify.JobFailurePayload) {
	if err := reg.Sink.SendJobFailure(ctx, payload); err != nil {
		s.logger.Error("failure notifier delivery error",
			"sink", reg.Name,
			"job_id", payload.JobID,
			"job_type", payload.JobType,
			"error", err,
		)
	}
}
