package model

// EventListByJobOptions groups parameters for listing/counting events by job
// with optional filters.
type EventListByJobOptions struct {
	JobID  string
	Limit  int
	Offset int
	// Optional filters; when nil/empty, no filter is applied.
	EventType   *string // exact event_type match (e.g. "Network.requestWillBeSent")
	SearchQuery *string // text search in event_data JSON
	SortDir     *string // "asc" or "desc", default asc
}
