package handlers

import (
	"context"
	"net/http"
	"time"
)

const readyTimeout = 2 * time.Second

// schemaVersioner is implemented by stores that track applied migrations.
type schemaVersioner interface {
	SchemaVersion(ctx context.Context) (int, error)
}

type healthResponse struct {
	Status        string `json:"status"`
	Uptime        string `json:"uptime,omitempty"`
	SchemaVersion int    `json:"schema_version,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Healthz answers as long as the process serves HTTP.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, healthResponse{
		Status: "healthy",
		Uptime: time.Since(h.started).Truncate(time.Second).String(),
	})
}

// Readyz reports ready once the store answers and its schema is usable.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.log.Warn("readiness ping failed", "error", err)
		h.httpError(w, "Database unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := healthResponse{Status: "ready"}
	if sv, ok := h.store.(schemaVersioner); ok {
		v, err := sv.SchemaVersion(ctx)
		if err != nil {
			h.log.Warn("schema version check failed", "error", err)
			h.respondJson(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready", Error: err.Error()})
			return
		}
		resp.SchemaVersion = v
	}
	h.respondJson(w, http.StatusOK, resp)
}
