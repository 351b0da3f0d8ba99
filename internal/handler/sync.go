package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiwari-pos/till/internal/service"
)

// SyncRetrier pushes completed orders that have not reached the backend.
// Satisfied by *service.SyncService.
type SyncRetrier interface {
	RetryPending(ctx context.Context) (service.RetryReport, error)
}

// SyncHandler handles backend sync endpoints.
type SyncHandler struct {
	sync SyncRetrier
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(sync SyncRetrier) *SyncHandler {
	return &SyncHandler{sync: sync}
}

// RegisterRoutes registers sync endpoints at /sync.
func (h *SyncHandler) RegisterRoutes(r chi.Router) {
	r.Post("/retry", h.Retry)
}

// Retry handles POST /sync/retry.
func (h *SyncHandler) Retry(w http.ResponseWriter, r *http.Request) {
	report, err := h.sync.RetryPending(r.Context())
	if err != nil {
		writeError(w, "retry sync", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
