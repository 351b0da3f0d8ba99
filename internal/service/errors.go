package service

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Errors returned by the order engine.
var (
	ErrSlotNotFound       = errors.New("slot not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrNoActiveOrder      = errors.New("slot has no active order")
	ErrOrderClosed        = errors.New("order is already completed or cancelled")
	ErrOrderNotCompleted  = errors.New("order is not completed")
	ErrOrderMoved         = errors.New("order was moved to another slot")
	ErrStaleWrite         = errors.New("stale write ignored")
	ErrOverlayHasPayments = errors.New("order has paid items")
	ErrInvalidTransition  = errors.New("invalid slot transition")
	ErrSlotNotAvailable   = errors.New("destination slot is not available")
	ErrSameSlot           = errors.New("source and destination slot are the same")
	ErrStoreUnavailable   = errors.New("order store unavailable")
	ErrEmptyCart          = errors.New("cart is empty")
	ErrItemNotFound       = errors.New("item not found in cart")
	ErrPaidItemLocked     = errors.New("paid items cannot be removed or reduced")
	ErrUpgradeLocked      = errors.New("upgrade lines are edited through their original item")
	ErrInvalidQuantity    = errors.New("quantity must be >= 1")
	ErrInvalidPrice       = errors.New("price must be >= 0")
	ErrInvalidOrder       = errors.New("order id and slot id are required")
	ErrSyncFailed         = errors.New("backend sync failed")
	ErrInsufficientAmount = errors.New("amount paid is less than the order total")
)

// isUnavailable reports whether err means the database could not be reached
// at all, as opposed to a query-level failure.
func isUnavailable(err error) bool {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	var pgErr *pgconn.PgError
	return !errors.As(err, &pgErr)
}

// storeErr wraps a database error, tagging connection-level failures with
// ErrStoreUnavailable.
func storeErr(op string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
