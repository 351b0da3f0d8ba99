package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiwari-pos/till/internal/auth"
	"github.com/kiwari-pos/till/internal/enum"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/kiwari-pos/till/internal/service"
	"github.com/shopspring/decimal"
)

const testJWTSecret = "test-secret-for-handlers"

// --- Mock SlotServicer / SlotMover ---

type mockSlots struct {
	listFn     func(ctx context.Context) ([]model.Slot, error)
	getFn      func(ctx context.Context, id string) (*model.Slot, error)
	transferFn func(ctx context.Context, fromID, toID string) (*service.TransferResult, error)
	releaseFn  func(ctx context.Context, slotID string) (*model.Slot, error)
}

func (m *mockSlots) List(ctx context.Context) ([]model.Slot, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

func (m *mockSlots) Get(ctx context.Context, id string) (*model.Slot, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, service.ErrSlotNotFound
}

func (m *mockSlots) TransferOrderToSlot(ctx context.Context, fromID, toID string) (*service.TransferResult, error) {
	if m.transferFn != nil {
		return m.transferFn(ctx, fromID, toID)
	}
	return nil, service.ErrSlotNotFound
}

func (m *mockSlots) ReleaseSlot(ctx context.Context, slotID string) (*model.Slot, error) {
	if m.releaseFn != nil {
		return m.releaseFn(ctx, slotID)
	}
	return nil, service.ErrSlotNotFound
}

// --- Mock CartServicer ---

type mockCarts struct {
	openFn          func(ctx context.Context, slotID string) (*service.Cart, error)
	openEditFn      func(ctx context.Context, slotID string) (*service.Cart, error)
	closed          []string
	addItemFn       func(ctx context.Context, slotID string, in service.NewItem) (*service.Cart, error)
	setQuantityFn   func(ctx context.Context, slotID, uniqueID string, qty int32) (*service.Cart, error)
	editModifiersFn func(ctx context.Context, slotID, uniqueID string, mods model.Modifiers) (*service.Cart, error)
	removeItemFn    func(ctx context.Context, slotID, uniqueID string) (*service.Cart, error)
	setCustomerFn   func(ctx context.Context, slotID string, cu *model.Customer) (*service.Cart, error)
}

func (m *mockCarts) Open(ctx context.Context, slotID string) (*service.Cart, error) {
	if m.openFn != nil {
		return m.openFn(ctx, slotID)
	}
	return &service.Cart{SlotID: slotID}, nil
}

func (m *mockCarts) OpenForEditing(ctx context.Context, slotID string) (*service.Cart, error) {
	if m.openEditFn != nil {
		return m.openEditFn(ctx, slotID)
	}
	return nil, service.ErrNoActiveOrder
}

func (m *mockCarts) Close(slotID string) { m.closed = append(m.closed, slotID) }

func (m *mockCarts) AddItem(ctx context.Context, slotID string, in service.NewItem) (*service.Cart, error) {
	return m.addItemFn(ctx, slotID, in)
}

func (m *mockCarts) SetQuantity(ctx context.Context, slotID, uniqueID string, qty int32) (*service.Cart, error) {
	return m.setQuantityFn(ctx, slotID, uniqueID, qty)
}

func (m *mockCarts) EditModifiers(ctx context.Context, slotID, uniqueID string, mods model.Modifiers) (*service.Cart, error) {
	return m.editModifiersFn(ctx, slotID, uniqueID, mods)
}

func (m *mockCarts) RemoveItem(ctx context.Context, slotID, uniqueID string) (*service.Cart, error) {
	return m.removeItemFn(ctx, slotID, uniqueID)
}

func (m *mockCarts) SetCustomer(ctx context.Context, slotID string, cu *model.Customer) (*service.Cart, error) {
	return m.setCustomerFn(ctx, slotID, cu)
}

// --- Mock OrderReader / CheckoutServicer ---

type mockOrders struct {
	activeFn func(ctx context.Context, slotID string) (*model.Overlay, error)
	todayFn  func(ctx context.Context) ([]model.Overlay, error)
}

func (m *mockOrders) GetActiveOrderBySlot(ctx context.Context, slotID string) (*model.Overlay, error) {
	if m.activeFn != nil {
		return m.activeFn(ctx, slotID)
	}
	return nil, nil
}

func (m *mockOrders) GetTodaysOrders(ctx context.Context) ([]model.Overlay, error) {
	if m.todayFn != nil {
		return m.todayFn(ctx)
	}
	return nil, nil
}

type mockCheckout struct {
	placeFn    func(ctx context.Context, slotID, tillSessionID string) (*service.OrderResult, error)
	payFn      func(ctx context.Context, slotID string, method enum.PaymentMethod) (*service.OrderResult, error)
	completeFn func(ctx context.Context, slotID string, method enum.PaymentMethod, tendered decimal.Decimal) (*service.OrderResult, error)
	cancelFn   func(ctx context.Context, slotID string) (*model.Slot, error)
}

func (m *mockCheckout) PlaceOrder(ctx context.Context, slotID, tillSessionID string) (*service.OrderResult, error) {
	return m.placeFn(ctx, slotID, tillSessionID)
}

func (m *mockCheckout) RecordPayment(ctx context.Context, slotID string, method enum.PaymentMethod) (*service.OrderResult, error) {
	return m.payFn(ctx, slotID, method)
}

func (m *mockCheckout) CompletePayment(ctx context.Context, slotID string, method enum.PaymentMethod, tendered decimal.Decimal) (*service.OrderResult, error) {
	return m.completeFn(ctx, slotID, method, tendered)
}

func (m *mockCheckout) CancelOrder(ctx context.Context, slotID string) (*model.Slot, error) {
	return m.cancelFn(ctx, slotID)
}

// --- Mock SyncRetrier ---

type mockSync struct {
	retryFn func(ctx context.Context) (service.RetryReport, error)
}

func (m *mockSync) RetryPending(ctx context.Context) (service.RetryReport, error) {
	return m.retryFn(ctx)
}

// --- Test helpers ---

func testSession(role string) auth.Session {
	return auth.Session{
		UserID:        uuid.New(),
		BranchID:      "branch-1",
		POSID:         "P1",
		TillSessionID: "till-1",
		Role:          role,
	}
}

func doAuthRequest(t *testing.T, router http.Handler, method, path string, body interface{}, s auth.Session) *httptest.ResponseRecorder {
	t.Helper()

	token, err := auth.GenerateToken(testJWTSecret, s, time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	var req *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testOverlay(slotID string) *model.Overlay {
	return &model.Overlay{
		ID:        "KWR-P1-000001",
		SlotID:    slotID,
		OrderType: enum.OrderTypeDineIn,
		Items: []model.Item{
			{ID: "tea", UniqueID: "u1", Name: "Tea", Quantity: 2, BasePrice: dec("100"), UnitPrice: dec("100")},
		},
		Subtotal:      dec("200"),
		Total:         dec("200"),
		Status:        enum.OverlayActive,
		PaymentStatus: enum.PaymentUnpaid,
		SyncStatus:    enum.SyncPending,
		CreatedAt:     time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func decodeInto(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func doRequest(router http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}
