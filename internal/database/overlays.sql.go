package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/till/internal/enum"
	"github.com/kiwari-pos/till/internal/model"
)

const overlayColumns = `id, slot_id, order_type, items, customer, subtotal, tax, discount, total,
       status, payment_status, payment_method, sync_status, backend_order_id,
       last_sync_attempt, till_session_id, seq, created_at, updated_at, completed_at`

func scanOverlay(row pgx.Row) (model.Overlay, error) {
	var (
		o                                  model.Overlay
		orderType, status, paymentStatus   string
		syncStatus                         string
		paymentMethod, backendID, tillSess *string
		subtotal, tax, discount, total     pgtype.Numeric
	)
	err := row.Scan(
		&o.ID,
		&o.SlotID,
		&orderType,
		&o.Items,
		&o.Customer,
		&subtotal,
		&tax,
		&discount,
		&total,
		&status,
		&paymentStatus,
		&paymentMethod,
		&syncStatus,
		&backendID,
		&o.LastSyncAttempt,
		&tillSess,
		&o.Seq,
		&o.CreatedAt,
		&o.UpdatedAt,
		&o.CompletedAt,
	)
	if err != nil {
		return model.Overlay{}, err
	}
	o.OrderType = enum.OrderType(orderType)
	o.Status = enum.OverlayStatus(status)
	o.PaymentStatus = enum.PaymentStatus(paymentStatus)
	o.SyncStatus = enum.SyncStatus(syncStatus)
	o.Subtotal = NumericToDecimal(subtotal)
	o.Tax = NumericToDecimal(tax)
	o.Discount = NumericToDecimal(discount)
	o.Total = NumericToDecimal(total)
	if paymentMethod != nil {
		o.PaymentMethod = enum.PaymentMethod(*paymentMethod)
	}
	if backendID != nil {
		o.BackendOrderID = *backendID
	}
	if tillSess != nil {
		o.TillSessionID = *tillSess
	}
	if o.Items == nil {
		o.Items = []model.Item{}
	}
	return o, nil
}

func collectOverlays(rows pgx.Rows, err error) ([]model.Overlay, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []model.Overlay{}
	for rows.Next() {
		o, err := scanOverlay(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// The conflict branch only fires for an active row whose stored sequence is
// not newer than the incoming one; otherwise no row is returned.
const upsertOverlay = `-- name: UpsertOverlay :one
INSERT INTO order_overlays (
    id, slot_id, order_type, items, customer, subtotal, tax, discount, total,
    status, payment_status, payment_method, till_session_id, seq
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, 'active', $10, $11, $12, $13
)
ON CONFLICT (id) DO UPDATE
SET slot_id = EXCLUDED.slot_id,
    order_type = EXCLUDED.order_type,
    items = EXCLUDED.items,
    customer = EXCLUDED.customer,
    subtotal = EXCLUDED.subtotal,
    tax = EXCLUDED.tax,
    discount = EXCLUDED.discount,
    total = EXCLUDED.total,
    payment_status = EXCLUDED.payment_status,
    payment_method = COALESCE(EXCLUDED.payment_method, order_overlays.payment_method),
    till_session_id = COALESCE(EXCLUDED.till_session_id, order_overlays.till_session_id),
    seq = EXCLUDED.seq,
    updated_at = now()
WHERE order_overlays.status = 'active'
  AND order_overlays.seq <= EXCLUDED.seq
RETURNING ` + overlayColumns

type UpsertOverlayParams struct {
	ID            string
	SlotID        string
	OrderType     enum.OrderType
	Items         []model.Item
	Customer      *model.Customer
	Totals        model.Totals
	PaymentStatus enum.PaymentStatus
	PaymentMethod enum.PaymentMethod
	TillSessionID string
	Seq           int64
}

func (q *Queries) UpsertOverlay(ctx context.Context, arg UpsertOverlayParams) (model.Overlay, error) {
	row := q.db.QueryRow(ctx, upsertOverlay,
		arg.ID,
		arg.SlotID,
		string(arg.OrderType),
		arg.Items,
		arg.Customer,
		DecimalToNumeric(arg.Totals.Subtotal),
		DecimalToNumeric(arg.Totals.Tax),
		DecimalToNumeric(arg.Totals.Discount),
		DecimalToNumeric(arg.Totals.Total),
		string(arg.PaymentStatus),
		textOrNull(string(arg.PaymentMethod)),
		textOrNull(arg.TillSessionID),
		arg.Seq,
	)
	return scanOverlay(row)
}

const getOverlay = `-- name: GetOverlay :one
SELECT ` + overlayColumns + ` FROM order_overlays WHERE id = $1
`

func (q *Queries) GetOverlay(ctx context.Context, id string) (model.Overlay, error) {
	return scanOverlay(q.db.QueryRow(ctx, getOverlay, id))
}

const getOverlayForUpdate = `-- name: GetOverlayForUpdate :one
SELECT ` + overlayColumns + ` FROM order_overlays WHERE id = $1 FOR UPDATE
`

func (q *Queries) GetOverlayForUpdate(ctx context.Context, id string) (model.Overlay, error) {
	return scanOverlay(q.db.QueryRow(ctx, getOverlayForUpdate, id))
}

const getActiveOverlayBySlot = `-- name: GetActiveOverlayBySlot :one
SELECT ` + overlayColumns + `
FROM order_overlays
WHERE slot_id = $1 AND status = 'active'
ORDER BY updated_at DESC
LIMIT 1
`

func (q *Queries) GetActiveOverlayBySlot(ctx context.Context, slotID string) (model.Overlay, error) {
	return scanOverlay(q.db.QueryRow(ctx, getActiveOverlayBySlot, slotID))
}

const closeOverlay = `-- name: CloseOverlay :one
UPDATE order_overlays
SET status = $2,
    completed_at = CASE WHEN $2 = 'completed' THEN now() ELSE completed_at END,
    updated_at = now()
WHERE id = $1 AND status = 'active'
RETURNING ` + overlayColumns

type CloseOverlayParams struct {
	ID     string
	Status enum.OverlayStatus
}

// CloseOverlay moves an active overlay to a terminal status.
func (q *Queries) CloseOverlay(ctx context.Context, arg CloseOverlayParams) (model.Overlay, error) {
	return scanOverlay(q.db.QueryRow(ctx, closeOverlay, arg.ID, string(arg.Status)))
}

const deleteOverlay = `-- name: DeleteOverlay :execrows
DELETE FROM order_overlays
WHERE id = $1
  AND status = 'active'
  AND NOT jsonb_path_exists(items, '$[*] ? (@.isPaid == true)')
`

func (q *Queries) DeleteOverlay(ctx context.Context, id string) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteOverlay, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const updateOverlaySlot = `-- name: UpdateOverlaySlot :one
UPDATE order_overlays
SET slot_id = $2, updated_at = now()
WHERE id = $1
RETURNING ` + overlayColumns

type UpdateOverlaySlotParams struct {
	ID     string
	SlotID string
}

func (q *Queries) UpdateOverlaySlot(ctx context.Context, arg UpdateOverlaySlotParams) (model.Overlay, error) {
	return scanOverlay(q.db.QueryRow(ctx, updateOverlaySlot, arg.ID, arg.SlotID))
}

const listOverlaysSince = `-- name: ListOverlaysSince :many
SELECT ` + overlayColumns + `
FROM order_overlays
WHERE created_at >= $1
ORDER BY created_at DESC
`

func (q *Queries) ListOverlaysSince(ctx context.Context, since time.Time) ([]model.Overlay, error) {
	return collectOverlays(q.db.Query(ctx, listOverlaysSince, since))
}

// Rows stuck in syncing (the process died mid-push) are picked up again once
// their last attempt is older than StaleBefore.
const listUnsyncedOverlays = `-- name: ListUnsyncedOverlays :many
SELECT ` + overlayColumns + `
FROM order_overlays
WHERE status = 'completed'
  AND (sync_status IN ('pending', 'failed')
       OR (sync_status = 'syncing' AND (last_sync_attempt IS NULL OR last_sync_attempt < $1)))
ORDER BY completed_at NULLS FIRST, created_at
LIMIT $2
`

type ListUnsyncedOverlaysParams struct {
	StaleBefore time.Time
	Limit       int32
}

func (q *Queries) ListUnsyncedOverlays(ctx context.Context, arg ListUnsyncedOverlaysParams) ([]model.Overlay, error) {
	return collectOverlays(q.db.Query(ctx, listUnsyncedOverlays, arg.StaleBefore, arg.Limit))
}

const updateOverlaySync = `-- name: UpdateOverlaySync :one
UPDATE order_overlays
SET sync_status = $2,
    backend_order_id = COALESCE($3, backend_order_id),
    last_sync_attempt = $4
WHERE id = $1
RETURNING ` + overlayColumns

type UpdateOverlaySyncParams struct {
	ID              string
	SyncStatus      enum.SyncStatus
	BackendOrderID  string
	LastSyncAttempt time.Time
}

func (q *Queries) UpdateOverlaySync(ctx context.Context, arg UpdateOverlaySyncParams) (model.Overlay, error) {
	row := q.db.QueryRow(ctx, updateOverlaySync,
		arg.ID,
		string(arg.SyncStatus),
		textOrNull(arg.BackendOrderID),
		arg.LastSyncAttempt,
	)
	return scanOverlay(row)
}

const deleteSyncedOverlaysBefore = `-- name: DeleteSyncedOverlaysBefore :execrows
DELETE FROM order_overlays
WHERE sync_status = 'synced'
  AND status IN ('completed', 'cancelled')
  AND COALESCE(completed_at, updated_at) < $1
`

func (q *Queries) DeleteSyncedOverlaysBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteSyncedOverlaysBefore, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
