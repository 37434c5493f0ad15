package core

import (
	"github.com/pagesentry/pagesentry/internal/domain/model"
)

// JobType is re-exported for HTTP handlers to avoid direct coupling to the
// model package.
type JobType = model.JobType

// CreateJobRequest is re-exported for HTTP handlers.
type CreateJobRequest = model.CreateJobRequest
