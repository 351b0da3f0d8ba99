package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiwari-pos/till/internal/enum"
	"github.com/kiwari-pos/till/internal/middleware"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/kiwari-pos/till/internal/service"
	"github.com/shopspring/decimal"
)

// OrderReader defines the overlay reads needed by order handlers.
// Satisfied by *service.OverlayService; narrow interface for testability.
type OrderReader interface {
	GetActiveOrderBySlot(ctx context.Context, slotID string) (*model.Overlay, error)
	GetTodaysOrders(ctx context.Context) ([]model.Overlay, error)
}

// CheckoutServicer defines the lifecycle steps needed by order handlers.
// Satisfied by *service.CheckoutService.
type CheckoutServicer interface {
	PlaceOrder(ctx context.Context, slotID, tillSessionID string) (*service.OrderResult, error)
	RecordPayment(ctx context.Context, slotID string, method enum.PaymentMethod) (*service.OrderResult, error)
	CompletePayment(ctx context.Context, slotID string, method enum.PaymentMethod, tendered decimal.Decimal) (*service.OrderResult, error)
	CancelOrder(ctx context.Context, slotID string) (*model.Slot, error)
}

// EditOpener opens a cart on a slot's active order in edit mode.
type EditOpener interface {
	OpenForEditing(ctx context.Context, slotID string) (*service.Cart, error)
}

// OrderHandler handles order endpoints.
type OrderHandler struct {
	orders   OrderReader
	checkout CheckoutServicer
	editor   EditOpener
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(orders OrderReader, checkout CheckoutServicer, editor EditOpener) *OrderHandler {
	return &OrderHandler{orders: orders, checkout: checkout, editor: editor}
}

// RegisterSlotRoutes registers per-slot order endpoints.
// Expected to be mounted at /slots/{sid}/order. The edit route is
// registered by the router behind the manager gate.
func (h *OrderHandler) RegisterSlotRoutes(r chi.Router) {
	r.Get("/", h.Get)
	r.Post("/place", h.Place)
	r.Post("/pay", h.Pay)
	r.Post("/complete", h.Complete)
	r.Post("/cancel", h.Cancel)
}

// RegisterRoutes registers day-level order endpoints at /orders.
func (h *OrderHandler) RegisterRoutes(r chi.Router) {
	r.Get("/today", h.Today)
	r.Get("/today/export", h.ExportToday)
}

// --- Request types ---

type placeRequest struct {
	TillSessionID string `json:"till_session_id"`
}

type payRequest struct {
	PaymentMethod string `json:"payment_method" validate:"required,oneof=cash card qris transfer"`
}

type completeRequest struct {
	PaymentMethod string `json:"payment_method" validate:"required,oneof=cash card qris transfer"`
	AmountPaid    string `json:"amount_paid" validate:"omitempty,numeric"`
}

// --- Handlers ---

// Get handles GET /slots/{sid}/order.
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetActiveOrderBySlot(r.Context(), chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, "get order", err)
		return
	}
	if o == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": service.ErrNoActiveOrder.Error()})
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Edit handles GET /slots/{sid}/order/edit.
func (h *OrderHandler) Edit(w http.ResponseWriter, r *http.Request) {
	c, err := h.editor.OpenForEditing(r.Context(), chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, "open order for editing", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Place handles POST /slots/{sid}/order/place (pay later).
func (h *OrderHandler) Place(w http.ResponseWriter, r *http.Request) {
	var req placeRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	tillSessionID := req.TillSessionID
	if tillSessionID == "" {
		if claims := middleware.ClaimsFromContext(r.Context()); claims != nil {
			tillSessionID = claims.TillSessionID
		}
	}

	res, err := h.checkout.PlaceOrder(r.Context(), chi.URLParam(r, "sid"), tillSessionID)
	if err != nil {
		writeError(w, "place order", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Pay handles POST /slots/{sid}/order/pay: lines are paid, the table stays open.
func (h *OrderHandler) Pay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.checkout.RecordPayment(r.Context(), chi.URLParam(r, "sid"), enum.PaymentMethod(req.PaymentMethod))
	if err != nil {
		writeError(w, "record payment", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Complete handles POST /slots/{sid}/order/complete.
// A missing amount_paid means exact payment.
func (h *OrderHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decode(w, r, &req) {
		return
	}
	tendered := decimal.Zero
	if req.AmountPaid != "" {
		tendered = decimal.RequireFromString(req.AmountPaid)
	}

	res, err := h.checkout.CompletePayment(r.Context(), chi.URLParam(r, "sid"), enum.PaymentMethod(req.PaymentMethod), tendered)
	if err != nil {
		writeError(w, "complete payment", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Cancel handles POST /slots/{sid}/order/cancel.
func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sl, err := h.checkout.CancelOrder(r.Context(), chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, sl)
}

// Today handles GET /orders/today.
func (h *OrderHandler) Today(w http.ResponseWriter, r *http.Request) {
	list, err := h.orders.GetTodaysOrders(r.Context())
	if err != nil {
		writeError(w, "list today's orders", err)
		return
	}
	if list == nil {
		list = []model.Overlay{}
	}
	writeJSON(w, http.StatusOK, list)
}
