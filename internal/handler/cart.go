package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/kiwari-pos/till/internal/service"
	"github.com/shopspring/decimal"
)

// CartServicer defines the cart methods needed by cart handlers.
// Satisfied by *service.CartService; narrow interface for testability.
type CartServicer interface {
	Open(ctx context.Context, slotID string) (*service.Cart, error)
	OpenForEditing(ctx context.Context, slotID string) (*service.Cart, error)
	Close(slotID string)
	AddItem(ctx context.Context, slotID string, in service.NewItem) (*service.Cart, error)
	SetQuantity(ctx context.Context, slotID, uniqueID string, qty int32) (*service.Cart, error)
	EditModifiers(ctx context.Context, slotID, uniqueID string, mods model.Modifiers) (*service.Cart, error)
	RemoveItem(ctx context.Context, slotID, uniqueID string) (*service.Cart, error)
	SetCustomer(ctx context.Context, slotID string, cu *model.Customer) (*service.Cart, error)
}

// CartHandler handles cart endpoints.
type CartHandler struct {
	carts CartServicer
}

// NewCartHandler creates a new CartHandler.
func NewCartHandler(carts CartServicer) *CartHandler {
	return &CartHandler{carts: carts}
}

// RegisterRoutes registers cart endpoints.
// Expected to be mounted at /slots/{sid}/cart.
func (h *CartHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Open)
	r.Delete("/", h.Discard)
	r.Post("/items", h.AddItem)
	r.Patch("/items/{uid}", h.SetQuantity)
	r.Put("/items/{uid}/modifiers", h.EditModifiers)
	r.Delete("/items/{uid}", h.RemoveItem)
	r.Put("/customer", h.SetCustomer)
}

// --- Request types ---

type modifierRequest struct {
	ID    string `json:"id" validate:"required"`
	Name  string `json:"name" validate:"required"`
	Price string `json:"price" validate:"required,numeric"`
}

type modifiersRequest struct {
	Variations          []modifierRequest `json:"variations" validate:"dive"`
	AddOns              []modifierRequest `json:"add_ons" validate:"dive"`
	SpecialInstructions string            `json:"special_instructions" validate:"max=500"`
}

type addItemRequest struct {
	ProductID string           `json:"product_id" validate:"required"`
	Name      string           `json:"name" validate:"required"`
	Quantity  int32            `json:"quantity" validate:"gte=1"`
	BasePrice string           `json:"base_price" validate:"required,numeric"`
	Modifiers modifiersRequest `json:"modifiers"`
}

type setQuantityRequest struct {
	Quantity int32 `json:"quantity" validate:"gte=1"`
}

type customerRequest struct {
	Name        string   `json:"name" validate:"required"`
	Phone       string   `json:"phone" validate:"omitempty,max=32"`
	LoyaltyRefs []string `json:"loyalty_refs"`
}

func (m modifiersRequest) toModel() model.Modifiers {
	conv := func(in []modifierRequest) []model.Modifier {
		if len(in) == 0 {
			return nil
		}
		out := make([]model.Modifier, len(in))
		for i, mr := range in {
			// price already validated as numeric
			out[i] = model.Modifier{ID: mr.ID, Name: mr.Name, Price: decimal.RequireFromString(mr.Price)}
		}
		return out
	}
	return model.Modifiers{
		Variations:          conv(m.Variations),
		AddOns:              conv(m.AddOns),
		SpecialInstructions: m.SpecialInstructions,
	}
}

// --- Handlers ---

// Open handles GET /slots/{sid}/cart. It rehydrates the cart from the
// slot's active order when there is one.
func (h *CartHandler) Open(w http.ResponseWriter, r *http.Request) {
	c, err := h.carts.Open(r.Context(), chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, "open cart", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Discard handles DELETE /slots/{sid}/cart. The persisted order is left
// untouched; use the cancel endpoint to drop it.
func (h *CartHandler) Discard(w http.ResponseWriter, r *http.Request) {
	h.carts.Close(chi.URLParam(r, "sid"))
	w.WriteHeader(http.StatusNoContent)
}

// AddItem handles POST /slots/{sid}/cart/items.
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := h.carts.AddItem(r.Context(), chi.URLParam(r, "sid"), service.NewItem{
		ID:        req.ProductID,
		Name:      req.Name,
		Quantity:  req.Quantity,
		BasePrice: decimal.RequireFromString(req.BasePrice),
		Modifiers: req.Modifiers.toModel(),
	})
	if err != nil {
		writeError(w, "add item", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// SetQuantity handles PATCH /slots/{sid}/cart/items/{uid}.
func (h *CartHandler) SetQuantity(w http.ResponseWriter, r *http.Request) {
	var req setQuantityRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := h.carts.SetQuantity(r.Context(), chi.URLParam(r, "sid"), chi.URLParam(r, "uid"), req.Quantity)
	if err != nil {
		writeError(w, "set quantity", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// EditModifiers handles PUT /slots/{sid}/cart/items/{uid}/modifiers.
func (h *CartHandler) EditModifiers(w http.ResponseWriter, r *http.Request) {
	var req modifiersRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := h.carts.EditModifiers(r.Context(), chi.URLParam(r, "sid"), chi.URLParam(r, "uid"), req.toModel())
	if err != nil {
		writeError(w, "edit modifiers", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// RemoveItem handles DELETE /slots/{sid}/cart/items/{uid}.
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	c, err := h.carts.RemoveItem(r.Context(), chi.URLParam(r, "sid"), chi.URLParam(r, "uid"))
	if err != nil {
		writeError(w, "remove item", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// SetCustomer handles PUT /slots/{sid}/cart/customer.
func (h *CartHandler) SetCustomer(w http.ResponseWriter, r *http.Request) {
	var req customerRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := h.carts.SetCustomer(r.Context(), chi.URLParam(r, "sid"), &model.Customer{
		Name:        req.Name,
		Phone:       req.Phone,
		LoyaltyRefs: req.LoyaltyRefs,
	})
	if err != nil {
		writeError(w, "set customer", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
