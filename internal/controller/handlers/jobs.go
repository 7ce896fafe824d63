package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"qarunner/internal/logger"
	"qarunner/internal/store"
	"qarunner/pkg/api"
)

// EnqueueJob handles POST /jobs.
// It validates the payload for the job kind and queues it for a worker.
func (h *Handlers) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req api.EnqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	kind := store.JobKind(req.Kind)
	if !kind.Valid() {
		h.httpError(w, "Kind must be one of plan, generate, run", http.StatusBadRequest)
		return
	}
	if err := api.ValidatePayload(req.Kind, req.Payload); err != nil {
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := h.store.Enqueue(r.Context(), kind, req.Payload)
	if err != nil {
		h.internalError(w, r, "Failed to enqueue job", err)
		return
	}
	logger.FromContext(r.Context(), h.log).Info("job enqueued", "job_id", id, "kind", kind)

	h.respondJson(w, http.StatusCreated, api.EnqueueJobResponse{JobID: id})
}

// QueueStats handles GET /jobs/stats.
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.Stats(r.Context())
	if err != nil {
		h.internalError(w, r, "Failed to load queue stats", err)
		return
	}
	h.respondJson(w, http.StatusOK, api.QueueStatsResponse{
		Queued:  s.Queued,
		Running: s.Running,
		Done:    s.Done,
		Error:   s.Error,
		Total:   s.Total(),
	})
}

// Requeue handles POST /jobs/requeue.
// Errored jobs with attempts left go back to queued; with a lease, running
// jobs whose lock expired are reclaimed too.
func (h *Handlers) Requeue(w http.ResponseWriter, r *http.Request) {
	var req api.RequeueRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.httpError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	olderThan, err := parseDuration(req.OlderThan)
	if err != nil {
		h.httpError(w, "older_than must be a duration like 15m", http.StatusBadRequest)
		return
	}
	lease, err := parseDuration(req.Lease)
	if err != nil {
		h.httpError(w, "lease must be a duration like 1h", http.StatusBadRequest)
		return
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = store.MaxAttempts
	}

	var resp api.RequeueResponse
	resp.Requeued, err = h.store.RequeueErrored(r.Context(), olderThan, maxAttempts)
	if err != nil {
		h.internalError(w, r, "Failed to requeue jobs", err)
		return
	}
	if lease > 0 {
		resp.Reclaimed, err = h.store.ReclaimStale(r.Context(), lease)
		if err != nil {
			h.internalError(w, r, "Failed to reclaim stale jobs", err)
			return
		}
	}
	logger.FromContext(r.Context(), h.log).Info("jobs requeued", "requeued", resp.Requeued, "reclaimed", resp.Reclaimed)
	h.respondJson(w, http.StatusOK, resp)
}

var errInvalidDuration = errors.New("invalid duration")

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errInvalidDuration
	}
	return d, nil
}
