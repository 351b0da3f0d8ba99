package service

import (
	"errors"
	"testing"
	"time"

	"github.com/kiwari-pos/till/internal/enum"
	"github.com/kiwari-pos/till/internal/events"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func teaLine(uid string, qty int32) model.Item {
	return model.Item{ID: "tea", UniqueID: uid, Name: "Tea", Quantity: qty, BasePrice: dec("100"), UnitPrice: dec("100")}
}

func upsert(id, slot string, seq int64, items ...model.Item) UpsertParams {
	sum := model.SumItems(items)
	return UpsertParams{
		OrderID:   id,
		SlotID:    slot,
		OrderType: enum.OrderTypeDineIn,
		Items:     items,
		Subtotal:  sum,
		Tax:       dec("0"),
		Discount:  dec("0"),
		Total:     sum,
		Seq:       seq,
	}
}

func TestUpsertFromCart_CreatesActiveOverlay(t *testing.T) {
	h := newHarness(t)
	sub, cancel := h.bus.Subscribe(8)
	defer cancel()

	o, err := h.overlays.UpsertFromCart(h.ctx, upsert("A-1", "D1", 1, teaLine("u1", 2)))
	require.NoError(t, err)

	assert.Equal(t, enum.OverlayActive, o.Status)
	assert.Equal(t, enum.PaymentUnpaid, o.PaymentStatus)
	assert.Equal(t, enum.SyncPending, o.SyncStatus)
	assert.True(t, o.Subtotal.Equal(dec("200")))

	select {
	case e := <-sub:
		assert.Equal(t, events.OrderUpdated, e.Type)
		assert.Equal(t, "A-1", e.OrderID)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestUpsertFromCart_RecomputesBadTotals(t *testing.T) {
	h := newHarness(t)
	p := upsert("A-1", "D1", 1, teaLine("u1", 2))
	p.Subtotal = dec("150")
	p.Total = dec("150")

	o, err := h.overlays.UpsertFromCart(h.ctx, p)
	require.NoError(t, err)
	assert.True(t, o.Subtotal.Equal(dec("200")))
	assert.True(t, o.Total.Equal(dec("200")))
}

func TestUpsertFromCart_Idempotent(t *testing.T) {
	h := newHarness(t)
	p := upsert("A-1", "D1", 3, teaLine("u1", 2))

	first, err := h.overlays.UpsertFromCart(h.ctx, p)
	require.NoError(t, err)
	second, err := h.overlays.UpsertFromCart(h.ctx, p)
	require.NoError(t, err)

	assert.Equal(t, first.Items, second.Items)
	assert.True(t, first.Total.Equal(second.Total))
	assert.Equal(t, 1, h.db.activeCount("D1"))
}

func TestUpsertFromCart_StaleSeq(t *testing.T) {
	h := newHarness(t)
	_, err := h.overlays.UpsertFromCart(h.ctx, upsert("A-1", "D1", 5, teaLine("u1", 3)))
	require.NoError(t, err)

	_, err = h.overlays.UpsertFromCart(h.ctx, upsert("A-1", "D1", 4, teaLine("u1", 1)))
	assert.ErrorIs(t, err, ErrStaleWrite)

	stored, _ := h.db.overlay("A-1")
	assert.Equal(t, int32(3), stored.Items[0].Quantity)
}

func TestUpsertFromCart_ClosedOrder(t *testing.T) {
	h := newHarness(t)
	_, err := h.overlays.UpsertFromCart(h.ctx, upsert("A-1", "D1", 1, teaLine("u1", 1)))
	require.NoError(t, err)
	_, err = h.overlays.MarkOrderCompleted(h.ctx, "A-1")
	require.NoError(t, err)

	_, err = h.overlays.UpsertFromCart(h.ctx, upsert("A-1", "D1", 2, teaLine("u1", 2)))
	assert.ErrorIs(t, err, ErrOrderClosed)
}

func TestUpsertFromCart_RedirectsToActiveOverlay(t *testing.T) {
	h := newHarness(t)
	_, err := h.overlays.UpsertFromCart(h.ctx, upsert("A-1", "D1", 1, teaLine("u1", 1)))
	require.NoError(t, err)

	o, err := h.overlays.UpsertFromCart(h.ctx, upsert("A-2", "D1", 2, teaLine("u2", 4)))
	require.NoError(t, err)

	assert.Equal(t, "A-1", o.ID)
	assert.Equal(t, int32(4), o.Items[0].Quantity)
	assert.Equal(t, 1, h.db.activeCount("D1"))
	_, exists := h.db.overlay("A-2")
	assert.False(t, exists)
}

func TestUpsertFromCart_TerminalStatusCloses(t *testing.T) {
	h := newHarness(t)
	p := upsert("A-1", "D1", 1, teaLine("u1", 1))
	p.Status = enum.OverlayCompleted

	o, err := h.overlays.UpsertFromCart(h.ctx, p)
	require.NoError(t, err)
	assert.Equal(t, enum.OverlayCompleted, o.Status)
	assert.NotNil(t, o.CompletedAt)
}

func TestUpsertFromCart_RequiresIDs(t *testing.T) {
	h := newHarness(t)
	_, err := h.overlays.UpsertFromCart(h.ctx, upsert("", "D1", 1, teaLine("u1", 1)))
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestGetActiveOrderBySlot_RepairsOnRead(t *testing.T) {
	h := newHarness(t)
	h.db.put(model.Overlay{
		ID:            "A-1",
		SlotID:        "D1",
		Items:         []model.Item{teaLine("u1", 2)},
		Subtotal:      dec("999"),
		Total:         dec("999"),
		Status:        enum.OverlayActive,
		PaymentStatus: enum.PaymentUnpaid,
		SyncStatus:    enum.SyncPending,
	})

	o, err := h.overlays.GetActiveOrderBySlot(h.ctx, "D1")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.True(t, o.Subtotal.Equal(dec("200")))
	assert.True(t, o.Total.Equal(dec("200")))
	assert.Equal(t, int64(1), h.overlays.IntegrityRepairs())

	stored, _ := h.db.overlay("A-1")
	assert.True(t, stored.Subtotal.Equal(dec("999")), "repair must not write back")
}

func TestGetActiveOrderBySlot_None(t *testing.T) {
	h := newHarness(t)
	o, err := h.overlays.GetActiveOrderBySlot(h.ctx, "D2")
	require.NoError(t, err)
	assert.Nil(t, o)

	_, err = h.overlays.GetOrderForEditing(h.ctx, "D2")
	assert.ErrorIs(t, err, ErrNoActiveOrder)
}

func TestGetActiveOrderBySlot_ServesCacheWhenStoreDown(t *testing.T) {
	h := newHarness(t)
	_, err := h.overlays.UpsertFromCart(h.ctx, upsert("A-1", "D1", 1, teaLine("u1", 2)))
	require.NoError(t, err)

	h.db.setDown(true)
	o, err := h.overlays.GetActiveOrderBySlot(h.ctx, "D1")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, "A-1", o.ID)
	assert.False(t, h.overlays.Available())

	h.overlays.ClearSlotCache("D1")
	_, err = h.overlays.GetActiveOrderBySlot(h.ctx, "D1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = h.overlays.UpsertFromCart(h.ctx, upsert("A-1", "D1", 2, teaLine("u1", 3)))
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	h.db.setDown(false)
	_, err = h.overlays.GetActiveOrderBySlot(h.ctx, "D1")
	require.NoError(t, err)
	assert.True(t, h.overlays.Available())
}

func TestMarkOrderCompleted(t *testing.T) {
	h := newHarness(t)
	_, err := h.overlays.UpsertFromCart(h.ctx, upsert("A-1", "D1", 1, teaLine("u1", 1)))
	require.NoError(t, err)

	o, err := h.overlays.MarkOrderCompleted(h.ctx, "A-1")
	require.NoError(t, err)
	assert.Equal(t, enum.OverlayCompleted, o.Status)

	again, err := h.overlays.MarkOrderCompleted(h.ctx, "A-1")
	require.NoError(t, err, "completing twice is a no-op")
	assert.Equal(t, enum.OverlayCompleted, again.Status)

	_, err = h.overlays.MarkOrderCancelled(h.ctx, "A-1")
	assert.ErrorIs(t, err, ErrOrderClosed)

	_, err = h.overlays.MarkOrderCompleted(h.ctx, "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	active, err := h.overlays.GetActiveOrderBySlot(h.ctx, "D1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestRemoveOverlay(t *testing.T) {
	h := newHarness(t)
	_, err := h.overlays.UpsertFromCart(h.ctx, upsert("A-1", "D1", 1, teaLine("u1", 1)))
	require.NoError(t, err)

	require.NoError(t, h.overlays.RemoveOverlay(h.ctx, "D1", "A-1"))
	_, exists := h.db.overlay("A-1")
	assert.False(t, exists)

	assert.NoError(t, h.overlays.RemoveOverlay(h.ctx, "D1", "A-1"), "removing twice is a no-op")
}

func TestRemoveOverlay_RefusesPaid(t *testing.T) {
	h := newHarness(t)
	paid := teaLine("u1", 1)
	paid.IsPaid = true
	paid.PaidQuantity = 1
	_, err := h.overlays.UpsertFromCart(h.ctx, upsert("A-1", "D1", 1, paid))
	require.NoError(t, err)

	err = h.overlays.RemoveOverlay(h.ctx, "D1", "A-1")
	assert.ErrorIs(t, err, ErrOverlayHasPayments)
}

func TestRemoveOverlay_RefusesClosed(t *testing.T) {
	h := newHarness(t)
	_, err := h.overlays.UpsertFromCart(h.ctx, upsert("A-1", "D1", 1, teaLine("u1", 1)))
	require.NoError(t, err)
	_, err = h.overlays.MarkOrderCancelled(h.ctx, "A-1")
	require.NoError(t, err)

	assert.True(t, errors.Is(h.overlays.RemoveOverlay(h.ctx, "D1", "A-1"), ErrOrderClosed))
}

func TestGetTodaysOrders(t *testing.T) {
	h := newHarness(t)
	h.db.put(model.Overlay{ID: "old", SlotID: "D2", Status: enum.OverlayCompleted, CreatedAt: h.clock.Now().Add(-24 * time.Hour)})
	_, err := h.overlays.UpsertFromCart(h.ctx, upsert("A-1", "D1", 1, teaLine("u1", 1)))
	require.NoError(t, err)

	list, err := h.overlays.GetTodaysOrders(h.ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "A-1", list[0].ID)
}

func TestSyncStateAndCleanup(t *testing.T) {
	h := newHarness(t)
	_, err := h.overlays.UpsertFromCart(h.ctx, upsert("A-1", "D1", 1, teaLine("u1", 1)))
	require.NoError(t, err)
	_, err = h.overlays.MarkOrderCompleted(h.ctx, "A-1")
	require.NoError(t, err)

	list, err := h.overlays.ListUnsynced(h.ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	o, err := h.overlays.MarkSynced(h.ctx, "A-1", "srv-9")
	require.NoError(t, err)
	assert.Equal(t, enum.SyncSynced, o.SyncStatus)
	assert.Equal(t, "srv-9", o.BackendOrderID)

	n, err := h.overlays.CleanupSynced(h.ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "too recent to delete")

	h.clock.Advance(2 * time.Hour)
	n, err = h.overlays.CleanupSynced(h.ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestWritesFromFormerSlotAreRefused(t *testing.T) {
	h := newHarness(t)
	placeOverlay(t, h, "A-1", "D1")
	_, err := h.slots.SetProcessing(h.ctx, "D1", ProcessingParams{OrderRefID: "A-1"})
	require.NoError(t, err)
	_, err = h.slots.TransferOrderToSlot(h.ctx, "D1", "D3")
	require.NoError(t, err)

	_, err = h.overlays.UpsertFromCart(h.ctx, upsert("A-1", "D1", 2, teaLine("u-A-1", 3)))
	assert.ErrorIs(t, err, ErrOrderMoved)
	assert.ErrorIs(t, h.overlays.RemoveOverlay(h.ctx, "D1", "A-1"), ErrOrderMoved)
	_, err = h.slots.MarkDraft(h.ctx, "D1", "A-1")
	assert.ErrorIs(t, err, ErrOrderMoved)

	o, exists := h.db.overlay("A-1")
	require.True(t, exists)
	assert.Equal(t, "D3", o.SlotID)
	assert.Equal(t, int32(1), o.Items[0].Quantity)
	assert.Equal(t, enum.SlotAvailable, h.db.slot("D1").Status)
	assert.Empty(t, h.db.slot("D1").OrderRefID)

	_, err = h.overlays.UpsertFromCart(h.ctx, upsert("A-1", "D3", 2, teaLine("u-A-1", 3)))
	assert.NoError(t, err, "the holding slot still writes")
}
