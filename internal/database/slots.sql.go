package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kiwari-pos/till/internal/enum"
	"github.com/kiwari-pos/till/internal/model"
)

const slotColumns = `id, number, order_type, status, is_active, start_time,
       payment_status, payment_method, order_ref_id, updated_at`

func scanSlot(row pgx.Row) (model.Slot, error) {
	var (
		s             model.Slot
		orderType     string
		status        string
		paymentStatus *string
		paymentMethod *string
		orderRefID    *string
	)
	err := row.Scan(
		&s.ID,
		&s.Number,
		&orderType,
		&status,
		&s.IsActive,
		&s.StartTime,
		&paymentStatus,
		&paymentMethod,
		&orderRefID,
		&s.UpdatedAt,
	)
	if err != nil {
		return model.Slot{}, err
	}
	s.OrderType = enum.OrderType(orderType)
	s.Status = enum.SlotStatus(status)
	if paymentStatus != nil {
		s.PaymentStatus = enum.PaymentStatus(*paymentStatus)
	}
	if paymentMethod != nil {
		s.PaymentMethod = enum.PaymentMethod(*paymentMethod)
	}
	if orderRefID != nil {
		s.OrderRefID = *orderRefID
	}
	return s, nil
}

const createSlot = `-- name: CreateSlot :exec
INSERT INTO slots (id, number, order_type)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING
`

type CreateSlotParams struct {
	ID        string
	Number    int32
	OrderType enum.OrderType
}

func (q *Queries) CreateSlot(ctx context.Context, arg CreateSlotParams) error {
	_, err := q.db.Exec(ctx, createSlot, arg.ID, arg.Number, string(arg.OrderType))
	return err
}

const getSlot = `-- name: GetSlot :one
SELECT ` + slotColumns + ` FROM slots WHERE id = $1
`

func (q *Queries) GetSlot(ctx context.Context, id string) (model.Slot, error) {
	return scanSlot(q.db.QueryRow(ctx, getSlot, id))
}

const getSlotForUpdate = `-- name: GetSlotForUpdate :one
SELECT ` + slotColumns + ` FROM slots WHERE id = $1 FOR UPDATE
`

func (q *Queries) GetSlotForUpdate(ctx context.Context, id string) (model.Slot, error) {
	return scanSlot(q.db.QueryRow(ctx, getSlotForUpdate, id))
}

const listSlots = `-- name: ListSlots :many
SELECT ` + slotColumns + ` FROM slots ORDER BY order_type, number, id
`

func (q *Queries) ListSlots(ctx context.Context) ([]model.Slot, error) {
	rows, err := q.db.Query(ctx, listSlots)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []model.Slot{}
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const updateSlotState = `-- name: UpdateSlotState :one
UPDATE slots
SET status = $2,
    start_time = $3,
    payment_status = $4,
    payment_method = $5,
    order_ref_id = $6,
    updated_at = now()
WHERE id = $1
RETURNING ` + slotColumns

type UpdateSlotStateParams struct {
	ID            string
	Status        enum.SlotStatus
	StartTime     *time.Time
	PaymentStatus enum.PaymentStatus
	PaymentMethod enum.PaymentMethod
	OrderRefID    string
}

func (q *Queries) UpdateSlotState(ctx context.Context, arg UpdateSlotStateParams) (model.Slot, error) {
	row := q.db.QueryRow(ctx, updateSlotState,
		arg.ID,
		string(arg.Status),
		arg.StartTime,
		textOrNull(string(arg.PaymentStatus)),
		textOrNull(string(arg.PaymentMethod)),
		textOrNull(arg.OrderRefID),
	)
	return scanSlot(row)
}
