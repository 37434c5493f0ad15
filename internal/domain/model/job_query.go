package model

// JobListBySourceOptions groups parameters for listing jobs by source.
type JobListBySourceOptions struct {
	SourceID string
	Limit    int
	Offset   int
}

// JobListBySiteOptions groups parameters for listing jobs by site with optional filters.
type JobListBySiteOptions struct {
	SiteID *string
	Status *string
	Type   *string
	Limit  int
	Offset int
}

// JobListOptions groups parameters for the global job list.
type JobListOptions struct {
	Status *JobStatus
	Type   *JobType
	SiteID *string
	IsTest *bool
	// SortBy accepts "created_at", "status", or "type"; default created_at.
	SortBy string
	// SortOrder accepts "asc" or "desc"; default desc.
	SortOrder string
	Limit     int
	Offset    int
}

// JobWithSiteName is a job row enriched with its event count and the
// projected site name for list views.
type JobWithSiteName struct {
	Job
	EventCount int    `json:"event_count"         db:"event_count"`
	SiteName   string `json:"site_name,omitempty" db:"site_name"`
}
