package model

import (
	"encoding/json"
	"time"
)

// JobResult is a persisted record of what a job run produced. JobID goes nil
// once the reaper removes the parent job; the result row outlives it.
type JobResult struct {
	JobID     *string         `json:"job_id"     db:"job_id"`
	JobType   JobType         `json:"job_type"   db:"job_type"`
	Result    json.RawMessage `json:"result"     db:"result"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}
