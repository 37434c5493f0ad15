package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pagesentry/pagesentry/internal/domain/model"
	"github.com/pagesentry/pagesentry/internal/service"
)

// EventHandlers provides HTTP handlers for event ingestion and queries.
type EventHandlers struct {
	Svc    *service.EventService
	Filter *service.EventFilterService
	// AutoEnqueueRules chains a rules-evaluation job after ingestion when
	// the batch carries a source job id.
	AutoEnqueueRules bool
	Logger           *slog.Logger
}

// EventHandlersOptions configures event handlers.
type EventHandlersOptions struct {
	EventService     *service.EventService
	FilterService    *service.EventFilterService
	AutoEnqueueRules bool
	Logger           *slog.Logger
}

// NewEventHandlers constructs EventHandlers with explicit dependency injection.
func NewEventHandlers(opts EventHandlersOptions) *EventHandlers {
	return &EventHandlers{
		Svc:              opts.EventService,
		Filter:           opts.FilterService,
		AutoEnqueueRules: opts.AutoEnqueueRules,
		Logger:           opts.Logger,
	}
}

func (h *EventHandlers) logger() *slog.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// BulkInsert handles the scanner's event batch upload. It normalizes the
// camelCase wire envelope, classifies which events the rules workers should
// look at, inserts them, and optionally chains a rules job.
func (h *EventHandlers) BulkInsert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var batch model.ScanEventBatch
	if !DecodeJSON(w, r, &batch) {
		return
	}

	bulkReq, err := transformScanBatch(&batch)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "transformation_failed", Err: err})
		return
	}
	if err := bulkReq.Validate(h.Svc.MaxBatch()); err != nil {
		writeAppError(w, "validation_failed", err)
		return
	}

	shouldProcess := h.classifyEvents(bulkReq.Events)

	count, err := h.Svc.BulkInsertWithProcessingFlags(ctx, *bulkReq, shouldProcess)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "insert_failed", Err: err})
		return
	}

	response := map[string]any{
		"inserted":    count,
		"batch_id":    batch.BatchID,
		"session_id":  batch.SessionID,
		"event_count": len(batch.Events),
	}
	if jobID := h.maybeEnqueueRules(ctx, bulkReq); jobID != nil {
		response["rules_job_id"] = *jobID
	}
	WriteJSON(w, http.StatusOK, response)
}

// classifyEvents marks which events the rules workers should process. With
// no filter configured everything is processable.
func (h *EventHandlers) classifyEvents(events []model.RawEvent) map[int]bool {
	if h.Filter != nil {
		return h.Filter.ShouldProcessEvents(events)
	}
	all := make(map[int]bool, len(events))
	for i := range events {
		all[i] = true
	}
	return all
}

// maybeEnqueueRules chains a rules job for the batch's source job. Enqueue
// failures are logged, not surfaced: the events are already persisted and a
// later batch or the scheduler can pick them up.
func (h *EventHandlers) maybeEnqueueRules(ctx context.Context, bulkReq *model.BulkEventRequest) *string {
	if !h.AutoEnqueueRules || bulkReq.SourceJobID == nil || *bulkReq.SourceJobID == "" {
		return nil
	}

	jobID, err := h.Svc.EnqueueRulesJob(ctx, *bulkReq.SourceJobID)
	if err != nil {
		h.logger().DebugContext(ctx, "rules enqueue failed",
			"source_job_id", *bulkReq.SourceJobID,
			"error", err)
		return nil
	}
	if jobID != nil {
		h.logger().DebugContext(ctx, "rules job enqueued",
			"source_job_id", *bulkReq.SourceJobID,
			"rules_job_id", *jobID)
	}
	return jobID
}

// transformScanBatch converts a scanner batch into the normalized bulk
// insert request.
func transformScanBatch(batch *model.ScanEventBatch) (*model.BulkEventRequest, error) {
	if batch == nil {
		return nil, errors.New("event batch is required")
	}

	events := make([]model.RawEvent, 0, len(batch.Events))
	for i := range batch.Events {
		event := &batch.Events[i]

		payloadBytes, err := json.Marshal(event.Params.Payload)
		if err != nil {
			return nil, err
		}

		metadata := map[string]any{
			"method":           event.Method,
			"category":         event.Hints.Category,
			"tags":             event.Hints.Tags,
			"processing_hints": event.Hints.ProcessingHints,
			"sequence_number":  event.Hints.SequenceNumber,
		}
		metadataBytes, err := json.Marshal(metadata)
		if err != nil {
			return nil, err
		}

		priority := 0
		if hint, ok := event.Hints.ProcessingHints["isHighPriority"]; ok {
			if isHigh, isBool := hint.(bool); isBool && isHigh {
				priority = 75
			}
		}

		events = append(events, model.RawEvent{
			Type:      event.Method,
			Data:      json.RawMessage(payloadBytes),
			Timestamp: time.Unix(0, event.Params.Timestamp*int64(time.Millisecond)),
			Metadata:  metadataBytes,
			Priority:  &priority,
		})
	}

	req := &model.BulkEventRequest{
		SessionID: batch.SessionID,
		Events:    events,
	}
	if batch.Metadata.JobID != "" {
		req.SourceJobID = &batch.Metadata.JobID
	}
	return req, nil
}

// ListByJob handles HTTP requests to list events by job ID with pagination.
func (h *EventHandlers) ListByJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id is required")},
		)
		return
	}
	if _, err := uuid.Parse(jobID); err != nil {
		WriteError(
			w,
			ErrorParams{
				Code:    http.StatusBadRequest,
				ErrCode: "invalid_path",
				Err:     errors.New("job id must be a valid UUID"),
			},
		)
		return
	}

	limit, offset := ParseLimitOffset(r, 50, 1000)
	events, err := h.Svc.ListByJob(r.Context(), model.EventListByJobOptions{
		JobID:  jobID,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "list_failed", Err: err})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}
