// Package metrics defines the shared metric names and tag shapes for job
// lifecycle events.
package metrics

import (
	"maps"
	"time"

	obserrors "github.com/pagesentry/pagesentry/internal/observability/errors"
	"github.com/pagesentry/pagesentry/internal/observability/statsd"
)

// Values for the result tag.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric describes one job lifecycle event.
type JobMetric struct {
	JobType    string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits a job.transition counter and, when a duration is
// known, a job.duration timing with the same tags. Errors contribute an
// error_class tag so failure spikes can be broken down by cause.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"job_type":   in.JobType,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// CloneTags returns a shallow copy of a tag map, or nil for an empty one.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	maps.Copy(out, src)
	return out
}
