// Package domain holds the scheduling entities shared by the scheduler
// service and the data layer.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ScheduledTask is a recurring task definition that the scheduler turns into
// queued jobs on its interval.
type ScheduledTask struct {
	ID       string          `json:"id"`
	TaskName string          `json:"task_name"`
	Payload  json.RawMessage `json:"payload"`
	// Interval is the scheduling cadence. encoding/json renders
	// time.Duration as nanoseconds; keep that in mind if this struct ever
	// crosses an external API boundary.
	Interval     time.Duration `json:"interval"`
	LastQueuedAt *time.Time    `json:"last_queued_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
	// OverrunPolicy overrides the global strategy when set.
	OverrunPolicy *OverrunPolicy `json:"overrun_policy,omitempty"`
	// OverrunStates defines which job states block new enqueue attempts.
	OverrunStates *OverrunStateMask `json:"overrun_states,omitempty"`
	// ActiveFireKey tracks the currently outstanding fire key, if any.
	ActiveFireKey *string `json:"active_fire_key,omitempty"`
}

// OverrunPolicy defines how to handle scheduling when a previous job for the
// same task is still outstanding.
type OverrunPolicy string

const (
	// OverrunPolicySkip skips enqueueing while a blocking job exists.
	// Expired leases never block scheduling.
	OverrunPolicySkip OverrunPolicy = "skip"

	// OverrunPolicyQueue always enqueues a new job.
	OverrunPolicyQueue OverrunPolicy = "queue"

	// OverrunPolicyReschedule advances last_queued_at without enqueueing.
	OverrunPolicyReschedule OverrunPolicy = "reschedule"
)

// OverrunStateMask controls which job states block new enqueue attempts under
// OverrunPolicySkip.
type OverrunStateMask uint8

const (
	// OverrunStateRunning blocks when a running job with an active lease exists.
	OverrunStateRunning OverrunStateMask = 1 << iota
	// OverrunStatePending blocks when a pending job exists.
	OverrunStatePending
	// OverrunStateRetrying blocks when a pending job with retry_count > 0 exists.
	OverrunStateRetrying
)

// OverrunStatesDefault blocks only on running jobs.
const OverrunStatesDefault = OverrunStateRunning

// overrunStateNames fixes the order String uses and the names the parser
// accepts.
var overrunStateNames = []struct {
	name string
	flag OverrunStateMask
}{
	{"running", OverrunStateRunning},
	{"pending", OverrunStatePending},
	{"retrying", OverrunStateRetrying},
}

// Has reports whether the mask includes the provided flag.
func (m *OverrunStateMask) Has(flag OverrunStateMask) bool {
	if m == nil {
		return false
	}
	return (*m)&flag != 0
}

// String returns a stable, comma-separated representation of the mask.
func (m *OverrunStateMask) String() string {
	if m == nil || *m == 0 {
		return ""
	}

	var parts []string
	for _, entry := range overrunStateNames {
		if m.Has(entry.flag) {
			parts = append(parts, entry.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseOverrunStateMask parses a comma-separated list of state names.
func ParseOverrunStateMask(v string) (OverrunStateMask, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	var mask OverrunStateMask
	for _, part := range strings.Split(v, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		flag, err := parseOverrunStateName(name)
		if err != nil {
			return 0, err
		}
		mask |= flag
	}
	return mask, nil
}

// MarshalText implements encoding.TextMarshaler.
func (m *OverrunStateMask) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *OverrunStateMask) UnmarshalText(text []byte) error {
	mask, err := ParseOverrunStateMask(string(text))
	if err != nil {
		return err
	}
	*m = mask
	return nil
}

func parseOverrunStateName(name string) (OverrunStateMask, error) {
	for _, entry := range overrunStateNames {
		if entry.name == name {
			return entry.flag, nil
		}
	}
	return 0, fmt.Errorf("invalid overrun state: %q", name)
}

// UnmarshalText implements encoding.TextUnmarshaler so OverrunPolicy can be
// parsed from env configuration.
func (p *OverrunPolicy) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch OverrunPolicy(v) {
	case OverrunPolicySkip, OverrunPolicyQueue, OverrunPolicyReschedule:
		*p = OverrunPolicy(v)
		return nil
	default:
		return fmt.Errorf("invalid OverrunPolicy: %q", v)
	}
}

// StrategyOptions holds the global scheduling strategy defaults.
type StrategyOptions struct {
	Overrun       OverrunPolicy    `json:"overrun"`
	OverrunStates OverrunStateMask `json:"overrun_states"`
}

// FindDueParams holds inputs for transactional FindDue.
type FindDueParams struct {
	Now   time.Time
	Limit int
}

// MarkQueuedParams holds inputs for transactional MarkQueued.
type MarkQueuedParams struct {
	ID                 string
	Now                time.Time
	ActiveFireKey      *string
	ActiveFireKeySetAt *time.Time
}

// UpdateActiveFireKeyParams updates the outstanding fire key for a scheduled
// task. A nil FireKey clears the active key.
type UpdateActiveFireKeyParams struct {
	ID      string
	FireKey *string
	SetAt   time.Time
}

// UpsertTaskParams holds parameters for upsert-by-name in scheduled_jobs.
type UpsertTaskParams struct {
	TaskName string
	Payload  json.RawMessage
	Interval time.Duration
	// Optional overrides. When nil the scheduler applies global defaults.
	OverrunPolicy *OverrunPolicy
	OverrunStates *OverrunStateMask
}
