package httpx

import (
	"log/slog"
	"net/http"

	"github.com/pagesentry/pagesentry/internal/service"
)

// RouterServices holds the services needed by the worker API router.
type RouterServices struct {
	Jobs   *service.JobService
	Events *service.EventService
	// Optional: event filter. If nil, a default filter is created.
	Filter *service.EventFilterService
	// AutoEnqueueRules chains rules jobs after event ingestion.
	AutoEnqueueRules bool
	Logger           *slog.Logger
}

// NewRouter creates and configures the worker API router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	jobHandlers := &JobHandlers{Svc: services.Jobs}
	filterSvc := services.Filter
	if filterSvc == nil {
		filterSvc = service.NewEventFilterService()
	}
	eventHandlers := NewEventHandlers(EventHandlersOptions{
		EventService:     services.Events,
		FilterService:    filterSvc,
		AutoEnqueueRules: services.AutoEnqueueRules,
		Logger:           services.Logger,
	})

	registerJobRoutes(mux, jobHandlers)
	registerEventRoutes(mux, eventHandlers)
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))

	return mux
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /api/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/jobs/{type}/reserve_next", h.ReserveNext)
	mux.HandleFunc("GET /api/jobs/{type}/stats", h.Stats)
	mux.HandleFunc("GET /api/jobs/{id}/status", h.GetStatus)
	mux.HandleFunc("POST /api/jobs/{id}/heartbeat", h.Heartbeat)
	mux.HandleFunc("POST /api/jobs/{id}/complete", h.Complete)
	mux.HandleFunc("POST /api/jobs/{id}/fail", h.Fail)
}

func registerEventRoutes(mux *http.ServeMux, h *EventHandlers) {
	mux.HandleFunc("POST /api/events/bulk", h.BulkInsert)
	mux.HandleFunc("GET /api/jobs/{id}/events", h.ListByJob)
}
