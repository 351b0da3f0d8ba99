package service

import (
	"testing"
	"time"

	"github.com/kiwari-pos/till/internal/enum"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedOverlay(id string) model.Overlay {
	return model.Overlay{
		ID:            id,
		SlotID:        "D1",
		Items:         []model.Item{teaLine("u-"+id, 1)},
		Subtotal:      dec("100"),
		Total:         dec("100"),
		Status:        enum.OverlayCompleted,
		PaymentStatus: enum.PaymentPaid,
		SyncStatus:    enum.SyncPending,
	}
}

func TestPush_RequiresCompleted(t *testing.T) {
	h := newHarness(t)
	o := completedOverlay("A-1")
	o.Status = enum.OverlayActive

	err := h.syncer.Push(h.ctx, o)
	assert.ErrorIs(t, err, ErrOrderNotCompleted)
	assert.Zero(t, h.pusher.count())
}

func TestPush_SkipsSynced(t *testing.T) {
	h := newHarness(t)
	o := completedOverlay("A-1")
	o.SyncStatus = enum.SyncSynced

	require.NoError(t, h.syncer.Push(h.ctx, o))
	assert.Zero(t, h.pusher.count())
}

func TestRetryPending_PicksUpStaleSyncing(t *testing.T) {
	h := newHarness(t)
	stale := completedOverlay("A-1")
	stale.SyncStatus = enum.SyncSyncing
	past := h.clock.Now().Add(-time.Hour)
	stale.LastSyncAttempt = &past
	h.db.put(stale)

	fresh := completedOverlay("A-2")
	fresh.SyncStatus = enum.SyncSyncing
	now := h.clock.Now()
	fresh.LastSyncAttempt = &now
	h.db.put(fresh)

	h.db.put(completedOverlay("A-3"))

	rep, err := h.syncer.RetryPending(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Attempted)
	assert.Equal(t, 2, rep.Synced)

	a1, _ := h.db.overlay("A-1")
	assert.Equal(t, enum.SyncSynced, a1.SyncStatus)
	a2, _ := h.db.overlay("A-2")
	assert.Equal(t, enum.SyncSyncing, a2.SyncStatus, "in-flight push is left alone")
}

func TestRetryPending_StoreDown(t *testing.T) {
	h := newHarness(t)
	h.db.setDown(true)
	_, err := h.syncer.RetryPending(h.ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
