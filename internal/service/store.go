package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kiwari-pos/till/internal/database"
	"github.com/kiwari-pos/till/internal/model"
)

// TxBeginner starts a new database transaction.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OverlayStore defines the DB methods needed by the overlay service.
// Satisfied by *database.Queries.
type OverlayStore interface {
	UpsertOverlay(ctx context.Context, arg database.UpsertOverlayParams) (model.Overlay, error)
	GetOverlay(ctx context.Context, id string) (model.Overlay, error)
	GetActiveOverlayBySlot(ctx context.Context, slotID string) (model.Overlay, error)
	CloseOverlay(ctx context.Context, arg database.CloseOverlayParams) (model.Overlay, error)
	DeleteOverlay(ctx context.Context, id string) (int64, error)
	ListOverlaysSince(ctx context.Context, since time.Time) ([]model.Overlay, error)
	ListUnsyncedOverlays(ctx context.Context, arg database.ListUnsyncedOverlaysParams) ([]model.Overlay, error)
	UpdateOverlaySync(ctx context.Context, arg database.UpdateOverlaySyncParams) (model.Overlay, error)
	DeleteSyncedOverlaysBefore(ctx context.Context, before time.Time) (int64, error)
}

// SlotStore defines the DB methods needed by the slot service.
// Satisfied by *database.Queries.
type SlotStore interface {
	CreateSlot(ctx context.Context, arg database.CreateSlotParams) error
	GetSlot(ctx context.Context, id string) (model.Slot, error)
	ListSlots(ctx context.Context) ([]model.Slot, error)
	UpdateSlotState(ctx context.Context, arg database.UpdateSlotStateParams) (model.Slot, error)
}

// TransferStore defines the DB methods used inside the transfer transaction.
// Satisfied by *database.Queries (and its WithTx variant).
type TransferStore interface {
	GetSlotForUpdate(ctx context.Context, id string) (model.Slot, error)
	GetOverlayForUpdate(ctx context.Context, id string) (model.Overlay, error)
	GetActiveOverlayBySlot(ctx context.Context, slotID string) (model.Overlay, error)
	UpdateOverlaySlot(ctx context.Context, arg database.UpdateOverlaySlotParams) (model.Overlay, error)
	UpdateSlotState(ctx context.Context, arg database.UpdateSlotStateParams) (model.Slot, error)
}

// NewTransferStore creates a TransferStore from a DBTX (pool or tx).
type NewTransferStore func(db database.DBTX) TransferStore

// CounterStore issues order numbers. Satisfied by *database.Queries.
type CounterStore interface {
	NextOrderNumber(ctx context.Context, scope string) (int64, error)
}
