package enum

// ── Group A: State machines (CHECK constrained in DB) ──

// SlotStatus is the lifecycle state of a physical order position.
type SlotStatus string

const (
	SlotAvailable  SlotStatus = "available"
	SlotProcessing SlotStatus = "processing"
	SlotCompleted  SlotStatus = "completed"
	SlotDraft      SlotStatus = "draft"
)

func (s SlotStatus) Valid() bool {
	switch s {
	case SlotAvailable, SlotProcessing, SlotCompleted, SlotDraft:
		return true
	}
	return false
}

// OverlayStatus is the lifecycle state of an order overlay.
// Completed and cancelled are terminal.
type OverlayStatus string

const (
	OverlayActive    OverlayStatus = "active"
	OverlayCompleted OverlayStatus = "completed"
	OverlayCancelled OverlayStatus = "cancelled"
)

func (s OverlayStatus) Valid() bool {
	switch s {
	case OverlayActive, OverlayCompleted, OverlayCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s OverlayStatus) Terminal() bool {
	switch s {
	case OverlayCompleted, OverlayCancelled:
		return true
	case OverlayActive:
		return false
	}
	return false
}

type PaymentStatus string

const (
	PaymentPaid   PaymentStatus = "paid"
	PaymentUnpaid PaymentStatus = "unpaid"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPaid, PaymentUnpaid:
		return true
	}
	return false
}

// SyncStatus tracks transmission of an overlay to the remote backend.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

func (s SyncStatus) Valid() bool {
	switch s {
	case SyncPending, SyncSyncing, SyncSynced, SyncFailed:
		return true
	}
	return false
}

// ── Group B: Derived values (never persisted) ──

type TimeStatus string

const (
	TimeFresh   TimeStatus = "fresh"
	TimeWarning TimeStatus = "warning"
	TimeOverdue TimeStatus = "overdue"
)

// ── Group C: Borderline (CHECK constrained in DB) ──

type OrderType string

const (
	OrderTypeDineIn   OrderType = "dine-in"
	OrderTypeTakeaway OrderType = "take-away"
	OrderTypeDelivery OrderType = "delivery"
	OrderTypeDraft    OrderType = "draft"
)

func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeDineIn, OrderTypeTakeaway, OrderTypeDelivery, OrderTypeDraft:
		return true
	}
	return false
}

const (
	RoleOwner   = "OWNER"
	RoleManager = "MANAGER"
	RoleCashier = "CASHIER"
	RoleWaiter  = "WAITER"
)

// ── Group D: Configurable labels (no DB constraint) ──

type PaymentMethod string

const (
	PaymentMethodCash     PaymentMethod = "cash"
	PaymentMethodCard     PaymentMethod = "card"
	PaymentMethodQRIS     PaymentMethod = "qris"
	PaymentMethodTransfer PaymentMethod = "transfer"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodQRIS, PaymentMethodTransfer:
		return true
	}
	return false
}
