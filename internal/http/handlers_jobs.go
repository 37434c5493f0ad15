// Package httpx provides the HTTP surface of the pagesentry job system:
// the worker API for reserving and completing jobs, the event ingest
// endpoint, and health checks.
package httpx

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/pagesentry/pagesentry/internal/data"
	"github.com/pagesentry/pagesentry/internal/domain/model"
	apperrors "github.com/pagesentry/pagesentry/internal/errors"
	"github.com/pagesentry/pagesentry/internal/service"
)

// JobHandlers provides HTTP handlers for job-related operations.
type JobHandlers struct {
	Svc *service.JobService
}

const (
	defaultLeaseSeconds = 30

	// Long-poll re-check cadence for missed notifications.
	pollBackoffMin = time.Second
	pollBackoffMax = 10 * time.Second
)

// CreateJob handles HTTP requests to create a new job.
func (h *JobHandlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req model.CreateJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, err := h.Svc.Create(r.Context(), &req)
	if err != nil {
		writeAppError(w, "create_failed", err)
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// ReserveNext handles HTTP requests to reserve the next available job.
// With wait=0 it answers immediately (200 with a job or 204); with wait>0
// it long-polls, waking on queue notifications and on a jittered backoff
// timer that covers missed signals.
func (h *JobHandlers) ReserveNext(w http.ResponseWriter, r *http.Request) {
	jobType := model.JobType(r.PathValue("type"))
	if jobType == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job type is required")},
		)
		return
	}
	lease := parseIntQuery(r, "lease", defaultLeaseSeconds)
	wait := parseIntQuery(r, "wait", 0)
	workerID := r.URL.Query().Get("worker_id")

	req := service.ReserveRequest{
		Type:     jobType,
		Lease:    time.Duration(lease) * time.Second,
		WorkerID: workerID,
	}

	// First attempt
	if job, err := h.tryReserveJob(r.Context(), req); err != nil {
		writeAppError(w, "reserve_failed", err)
		return
	} else if job != nil {
		WriteJSON(w, http.StatusOK, job)
		return
	}

	if wait <= 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.handleLongPoll(w, r, req, time.Duration(wait)*time.Second)
}

func (h *JobHandlers) tryReserveJob(
	ctx context.Context,
	req service.ReserveRequest,
) (*model.Job, error) {
	job, err := h.Svc.ReserveNext(ctx, req)
	if err != nil && !errors.Is(err, model.ErrNoJobsAvailable) {
		return nil, err
	}
	return job, nil
}

func (h *JobHandlers) handleLongPoll(
	w http.ResponseWriter,
	r *http.Request,
	req service.ReserveRequest,
	wait time.Duration,
) {
	if wait <= 0 {
		wait = time.Second
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	unsub, ch := h.Svc.Subscribe(req.Type)
	defer unsub()

	// Backoff timer guards against missed notifications: even with no
	// signal we re-poll at a growing, jittered interval.
	backoff := pollBackoffMin
	timer := time.NewTimer(jitterDuration(backoff))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.WriteHeader(http.StatusNoContent)
			return
		case <-ch:
			if h.pollOnce(ctx, w, req) {
				return
			}
			// A signal means work is flowing; restart the backoff.
			backoff = pollBackoffMin
			resetTimer(timer, jitterDuration(backoff))
		case <-timer.C:
			if h.pollOnce(ctx, w, req) {
				return
			}
			backoff *= 2
			if backoff > pollBackoffMax {
				backoff = pollBackoffMax
			}
			timer.Reset(jitterDuration(backoff))
		}
	}
}

// pollOnce attempts one reservation and reports whether a response was written.
func (h *JobHandlers) pollOnce(ctx context.Context, w http.ResponseWriter, req service.ReserveRequest) bool {
	job, err := h.tryReserveJob(ctx, req)
	if err != nil {
		writeAppError(w, "reserve_failed", err)
		return true
	}
	if job != nil {
		WriteJSON(w, http.StatusOK, job)
		return true
	}
	return false
}

// jitterDuration spreads d by up to +50% so a herd of idle workers does not
// re-poll in lockstep.
func jitterDuration(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int64N(int64(d)/2+1))
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// Heartbeat handles HTTP requests to extend a job lease. The body carries
// the requested extension: {"lease_seconds": n}. An empty body or zero
// value uses the configured default lease.
func (h *JobHandlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id is required")},
		)
		return
	}

	var body struct {
		LeaseSeconds int `json:"lease_seconds"`
	}
	if !decodeOptionalJSON(w, r, &body) {
		return
	}

	ok, err := h.Svc.Heartbeat(r.Context(), jobID, time.Duration(body.LeaseSeconds)*time.Second)
	if err != nil {
		writeAppError(w, "heartbeat_failed", err)
		return
	}
	if !ok {
		h.writeLeaseRefusal(w, r, jobID)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Complete handles HTTP requests to mark a job as completed.
func (h *JobHandlers) Complete(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id is required")},
		)
		return
	}

	ok, err := h.Svc.Complete(r.Context(), jobID)
	if err != nil {
		writeAppError(w, "complete_failed", err)
		return
	}
	if !ok {
		h.writeLeaseRefusal(w, r, jobID)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Fail handles HTTP requests to mark a job attempt as failed with an error message.
func (h *JobHandlers) Fail(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id is required")},
		)
		return
	}

	var body struct {
		Error string `json:"error"`
	}
	if !DecodeJSON(w, r, &body) {
		return
	}
	if body.Error == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_body", Err: errors.New("error message is required")},
		)
		return
	}

	ok, err := h.Svc.Fail(r.Context(), jobID, body.Error)
	if err != nil {
		writeAppError(w, "fail_failed", err)
		return
	}
	if !ok {
		h.writeLeaseRefusal(w, r, jobID)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// writeLeaseRefusal disambiguates a refused lease operation: a job that
// does not exist is 404; one in the wrong state (not running, or lease
// already lost) is 409.
func (h *JobHandlers) writeLeaseRefusal(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, err := h.Svc.GetStatus(r.Context(), jobID); err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			WriteError(
				w,
				ErrorParams{Code: http.StatusNotFound, ErrCode: "job_not_found", Err: errors.New("job not found")},
			)
			return
		}
		writeAppError(w, "get_status_failed", err)
		return
	}
	WriteError(
		w,
		ErrorParams{Code: http.StatusConflict, ErrCode: "job_not_running", Err: errors.New("job is not running")},
	)
}

// Stats handles HTTP requests to retrieve job stats for a job type.
func (h *JobHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	jobType := model.JobType(r.PathValue("type"))
	if jobType == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job type is required")},
		)
		return
	}

	stats, err := h.Svc.Stats(r.Context(), jobType)
	if err != nil {
		writeAppError(w, "stats_failed", err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// GetStatus handles HTTP requests to retrieve the status of a specific job.
func (h *JobHandlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id is required")},
		)
		return
	}

	status, err := h.Svc.GetStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			WriteError(
				w,
				ErrorParams{Code: http.StatusNotFound, ErrCode: "job_not_found", Err: errors.New("job not found")},
			)
			return
		}
		writeAppError(w, "get_status_failed", err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// writeAppError maps a service error to its HTTP status via the typed error
// kinds and emits the standard error envelope.
func writeAppError(w http.ResponseWriter, code string, err error) {
	WriteError(w, ErrorParams{Code: apperrors.HTTPStatus(err), ErrCode: code, Err: err})
}

// decodeOptionalJSON decodes the body when present; an empty body leaves dst
// at its zero value. Returns false when a malformed body was rejected.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_body", Err: err})
		return false
	}
	if len(b) == 0 {
		return true
	}
	if err := unmarshalStrict(b, dst); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_json", Err: err})
		return false
	}
	return true
}
