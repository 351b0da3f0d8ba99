package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/kiwari-pos/till/internal/service"
)

// SlotServicer defines the slot methods needed by slot handlers.
// Satisfied by *service.SlotService; narrow interface for testability.
type SlotServicer interface {
	List(ctx context.Context) ([]model.Slot, error)
	Get(ctx context.Context, id string) (*model.Slot, error)
}

// SlotMover moves orders between slots and frees completed slots. It also
// carries the open cart along, so it is satisfied by
// *service.CheckoutService rather than the slot service.
type SlotMover interface {
	TransferOrderToSlot(ctx context.Context, fromID, toID string) (*service.TransferResult, error)
	ReleaseSlot(ctx context.Context, slotID string) (*model.Slot, error)
}

// SlotHandler handles slot endpoints.
type SlotHandler struct {
	slots SlotServicer
	mover SlotMover
}

// NewSlotHandler creates a new SlotHandler.
func NewSlotHandler(slots SlotServicer, mover SlotMover) *SlotHandler {
	return &SlotHandler{slots: slots, mover: mover}
}

// RegisterRoutes registers slot endpoints. Expected to be mounted at /slots.
func (h *SlotHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/{sid}", h.Get)
	r.Post("/{sid}/transfer", h.Transfer)
	r.Post("/{sid}/release", h.Release)
}

type transferRequest struct {
	ToSlotID string `json:"to_slot_id" validate:"required"`
}

// List handles GET /slots.
func (h *SlotHandler) List(w http.ResponseWriter, r *http.Request) {
	slots, err := h.slots.List(r.Context())
	if err != nil {
		writeError(w, "list slots", err)
		return
	}
	if slots == nil {
		slots = []model.Slot{}
	}
	writeJSON(w, http.StatusOK, slots)
}

// Get handles GET /slots/{sid}.
func (h *SlotHandler) Get(w http.ResponseWriter, r *http.Request) {
	sl, err := h.slots.Get(r.Context(), chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, "get slot", err)
		return
	}
	writeJSON(w, http.StatusOK, sl)
}

// Transfer handles POST /slots/{sid}/transfer.
func (h *SlotHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.mover.TransferOrderToSlot(r.Context(), chi.URLParam(r, "sid"), req.ToSlotID)
	if err != nil {
		writeError(w, "transfer order", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Release handles POST /slots/{sid}/release.
func (h *SlotHandler) Release(w http.ResponseWriter, r *http.Request) {
	sl, err := h.mover.ReleaseSlot(r.Context(), chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, "release slot", err)
		return
	}
	writeJSON(w, http.StatusOK, sl)
}
