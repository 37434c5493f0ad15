package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// Job result repository sentinels.
	ErrJobResultsNotConfigured = errors.New("job results repository not configured")
	ErrJobResultsNotFound      = errors.New("job results not found")
	ErrJobIDRequired           = errors.New("job_id is required")
)
