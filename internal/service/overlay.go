package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kiwari-pos/till/internal/database"
	"github.com/kiwari-pos/till/internal/enum"
	"github.com/kiwari-pos/till/internal/events"
	"github.com/kiwari-pos/till/internal/logger"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// UpsertParams is a full cart snapshot written into an overlay.
type UpsertParams struct {
	OrderID       string
	SlotID        string
	OrderType     enum.OrderType
	Items         []model.Item
	Customer      *model.Customer
	Subtotal      decimal.Decimal
	Tax           decimal.Decimal
	Discount      decimal.Decimal
	Total         decimal.Decimal
	PaymentStatus enum.PaymentStatus
	PaymentMethod enum.PaymentMethod
	// Status closes the overlay after the write when terminal.
	Status        enum.OverlayStatus
	TillSessionID string
	Seq           int64
}

// OverlayService owns the durable order overlays. Every write to an overlay
// goes through it.
type OverlayService struct {
	store  OverlayStore
	events events.Publisher
	now    func() time.Time
	log    *logrus.Entry

	mu    sync.RWMutex
	cache map[string]*model.Overlay // slot id -> last known active overlay

	repairs     atomic.Int64
	unavailable atomic.Bool
}

// NewOverlayService creates a new OverlayService.
func NewOverlayService(store OverlayStore, pub events.Publisher) *OverlayService {
	if pub == nil {
		pub = events.Discard{}
	}
	return &OverlayService{
		store:  store,
		events: pub,
		now:    time.Now,
		log:    logger.For("overlay"),
		cache:  make(map[string]*model.Overlay),
	}
}

// Available reports whether the last store call reached the database.
func (s *OverlayService) Available() bool { return !s.unavailable.Load() }

// IntegrityRepairs is the number of overlays whose totals were repaired on read.
func (s *OverlayService) IntegrityRepairs() int64 { return s.repairs.Load() }

func (s *OverlayService) track(err error) {
	if isUnavailable(err) {
		if !s.unavailable.Swap(true) {
			s.log.WithError(err).Error("order store unreachable")
		}
		return
	}
	if s.unavailable.Swap(false) {
		s.log.Info("order store reachable again")
	}
}

func (s *OverlayService) remember(o *model.Overlay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Status != enum.OverlayActive {
		if c, ok := s.cache[o.SlotID]; ok && c.ID == o.ID {
			delete(s.cache, o.SlotID)
		}
		return
	}
	s.cache[o.SlotID] = o.Clone()
}

func (s *OverlayService) cached(slotID string) *model.Overlay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[slotID].Clone()
}

// ClearSlotCache drops any cached overlay for the slot.
func (s *OverlayService) ClearSlotCache(slotID string) {
	s.mu.Lock()
	delete(s.cache, slotID)
	s.mu.Unlock()
}

// repair recomputes inconsistent totals on a read copy. The stored row is
// left as is.
func (s *OverlayService) repair(o *model.Overlay) {
	subtotal, total := o.Subtotal, o.Total
	if !o.Reconcile() {
		return
	}
	s.repairs.Add(1)
	s.log.WithFields(logrus.Fields{
		"integrity":       "overlay_totals",
		"order_id":        o.ID,
		"stored_subtotal": subtotal.StringFixed(2),
		"stored_total":    total.StringFixed(2),
		"subtotal":        o.Subtotal.StringFixed(2),
		"total":           o.Total.StringFixed(2),
	}).Warn("overlay totals disagree with items, repaired on read")
}

// UpsertFromCart creates or replaces the overlay with the given snapshot.
//
// A slot never holds two active overlays: if the slot already has one under
// a different id, the write is applied to that overlay instead. Writes
// carrying a sequence older than the stored one return ErrStaleWrite.
// Completed or cancelled overlays are never reopened (ErrOrderClosed).
func (s *OverlayService) UpsertFromCart(ctx context.Context, p UpsertParams) (*model.Overlay, error) {
	if p.OrderID == "" || p.SlotID == "" {
		return nil, ErrInvalidOrder
	}

	totals := model.Totals{Subtotal: p.Subtotal, Tax: p.Tax, Discount: p.Discount, Total: p.Total}
	check := model.Overlay{Items: p.Items, Subtotal: p.Subtotal, Tax: p.Tax, Discount: p.Discount, Total: p.Total}
	if check.Reconcile() {
		s.log.WithFields(logrus.Fields{
			"integrity": "cart_totals",
			"order_id":  p.OrderID,
			"subtotal":  p.Subtotal.StringFixed(2),
			"computed":  check.Subtotal.StringFixed(2),
		}).Warn("cart totals disagree with items, recomputed before write")
		totals.Subtotal, totals.Total = check.Subtotal, check.Total
	}
	if p.PaymentStatus == "" {
		p.PaymentStatus = model.DerivePaymentStatus(p.Items)
	}

	orderID, err := s.resolveOrderID(ctx, p.SlotID, p.OrderID)
	if err != nil {
		return nil, err
	}

	arg := database.UpsertOverlayParams{
		ID:            orderID,
		SlotID:        p.SlotID,
		OrderType:     p.OrderType,
		Items:         p.Items,
		Customer:      p.Customer,
		Totals:        totals,
		PaymentStatus: p.PaymentStatus,
		PaymentMethod: p.PaymentMethod,
		TillSessionID: p.TillSessionID,
		Seq:           p.Seq,
	}
	o, err := s.store.UpsertOverlay(ctx, arg)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		// another writer opened an overlay on this slot between lookup and insert
		if arg.ID, err = s.resolveOrderID(ctx, p.SlotID, p.OrderID); err != nil {
			return nil, err
		}
		o, err = s.store.UpsertOverlay(ctx, arg)
	}
	s.track(err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.rejectedWrite(ctx, arg.ID, p.Seq)
	}
	if err != nil {
		return nil, storeErr("upsert overlay", err)
	}

	s.remember(&o)
	s.events.Publish(events.Event{Type: events.OrderUpdated, SlotID: o.SlotID, OrderID: o.ID, Payload: o.Clone()})

	if p.Status.Terminal() {
		return s.close(ctx, o.ID, p.Status)
	}
	return &o, nil
}

// resolveOrderID returns the id the write must target: the slot's existing
// active overlay when there is one, else the requested id.
func (s *OverlayService) resolveOrderID(ctx context.Context, slotID, orderID string) (string, error) {
	active, err := s.store.GetActiveOverlayBySlot(ctx, slotID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return orderID, s.checkHolder(ctx, slotID, orderID)
	case err != nil:
		s.track(err)
		return "", storeErr("get active overlay", err)
	}
	if active.ID != orderID {
		s.log.WithFields(logrus.Fields{
			"slot_id":   slotID,
			"requested": orderID,
			"active":    active.ID,
		}).Warn("slot already has an active overlay, redirecting write")
		return active.ID, nil
	}
	return orderID, nil
}

// checkHolder refuses a write that would pull an active overlay off the
// slot it was transferred to.
func (s *OverlayService) checkHolder(ctx context.Context, slotID, orderID string) error {
	cur, err := s.store.GetOverlay(ctx, orderID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil
	case err != nil:
		s.track(err)
		return storeErr("get overlay", err)
	}
	if cur.Status == enum.OverlayActive && cur.SlotID != slotID {
		s.log.WithFields(logrus.Fields{
			"order_id": orderID,
			"slot_id":  slotID,
			"holder":   cur.SlotID,
		}).Warn("write from a slot that no longer holds the order")
		return fmt.Errorf("order %s is on slot %s: %w", orderID, cur.SlotID, ErrOrderMoved)
	}
	return nil
}

func (s *OverlayService) rejectedWrite(ctx context.Context, id string, seq int64) error {
	cur, err := s.store.GetOverlay(ctx, id)
	if err != nil {
		return storeErr("get overlay", err)
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("overlay %s: %w", id, ErrOrderClosed)
	}
	s.log.WithFields(logrus.Fields{
		"order_id":   id,
		"seq":        seq,
		"stored_seq": cur.Seq,
	}).Debug("dropping stale overlay write")
	return ErrStaleWrite
}

// GetActiveOrderBySlot returns the slot's active overlay or nil. When the
// store is unreachable the last cached copy is served.
func (s *OverlayService) GetActiveOrderBySlot(ctx context.Context, slotID string) (*model.Overlay, error) {
	o, err := s.store.GetActiveOverlayBySlot(ctx, slotID)
	s.track(err)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		s.ClearSlotCache(slotID)
		return nil, nil
	case err != nil:
		if c := s.cached(slotID); c != nil && isUnavailable(err) {
			s.log.WithError(err).WithField("slot_id", slotID).Warn("serving cached overlay")
			return c, nil
		}
		return nil, storeErr("get active overlay", err)
	}
	s.remember(&o)
	s.repair(&o)
	return &o, nil
}

// GetOrderForEditing returns the slot's active overlay for a manager edit.
func (s *OverlayService) GetOrderForEditing(ctx context.Context, slotID string) (*model.Overlay, error) {
	o, err := s.GetActiveOrderBySlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrNoActiveOrder
	}
	return o, nil
}

// GetOverlay returns an overlay by id in any status.
func (s *OverlayService) GetOverlay(ctx context.Context, id string) (*model.Overlay, error) {
	o, err := s.store.GetOverlay(ctx, id)
	s.track(err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, storeErr("get overlay", err)
	}
	s.repair(&o)
	return &o, nil
}

// MarkOrderCompleted closes the overlay as completed. Completing an already
// completed overlay returns it unchanged.
func (s *OverlayService) MarkOrderCompleted(ctx context.Context, id string) (*model.Overlay, error) {
	return s.close(ctx, id, enum.OverlayCompleted)
}

// MarkOrderCancelled closes the overlay as cancelled.
func (s *OverlayService) MarkOrderCancelled(ctx context.Context, id string) (*model.Overlay, error) {
	return s.close(ctx, id, enum.OverlayCancelled)
}

func (s *OverlayService) close(ctx context.Context, id string, status enum.OverlayStatus) (*model.Overlay, error) {
	o, err := s.store.CloseOverlay(ctx, database.CloseOverlayParams{ID: id, Status: status})
	s.track(err)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.store.GetOverlay(ctx, id)
		if errors.Is(gerr, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		if gerr != nil {
			return nil, storeErr("get overlay", gerr)
		}
		if cur.Status == status {
			return &cur, nil
		}
		return nil, fmt.Errorf("overlay %s is %s: %w", id, cur.Status, ErrOrderClosed)
	}
	if err != nil {
		return nil, storeErr("close overlay", err)
	}

	s.ClearSlotCache(o.SlotID)
	typ := events.OrderCompleted
	if status == enum.OverlayCancelled {
		typ = events.OrderCancelled
	}
	s.events.Publish(events.Event{Type: typ, SlotID: o.SlotID, OrderID: o.ID, Payload: o.Clone()})
	s.log.WithFields(logrus.Fields{"order_id": o.ID, "slot_id": o.SlotID, "status": status}).Info("order closed")
	return &o, nil
}

// RemoveOverlay deletes an active overlay that has no paid items, as long
// as it is still on slotID. Removing an overlay that does not exist is a
// no-op.
func (s *OverlayService) RemoveOverlay(ctx context.Context, slotID, id string) error {
	cur, err := s.store.GetOverlay(ctx, id)
	s.track(err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return storeErr("get overlay", err)
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("overlay %s: %w", id, ErrOrderClosed)
	}
	if cur.SlotID != slotID {
		return fmt.Errorf("order %s is on slot %s: %w", id, cur.SlotID, ErrOrderMoved)
	}
	if cur.HasPaidItems() {
		return fmt.Errorf("overlay %s: %w", id, ErrOverlayHasPayments)
	}

	n, err := s.store.DeleteOverlay(ctx, id)
	s.track(err)
	if err != nil {
		return storeErr("delete overlay", err)
	}
	if n == 0 {
		return fmt.Errorf("overlay %s changed during removal: %w", id, ErrOrderClosed)
	}

	s.ClearSlotCache(cur.SlotID)
	s.events.Publish(events.Event{Type: events.OrderRemoved, SlotID: cur.SlotID, OrderID: id})
	return nil
}

// GetTodaysOrders lists every overlay created since local midnight.
func (s *OverlayService) GetTodaysOrders(ctx context.Context) ([]model.Overlay, error) {
	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	list, err := s.store.ListOverlaysSince(ctx, midnight)
	s.track(err)
	if err != nil {
		return nil, storeErr("list overlays", err)
	}
	for i := range list {
		s.repair(&list[i])
	}
	return list, nil
}

// ListUnsynced returns completed overlays that still need to reach the
// backend. Rows left in syncing for longer than staleAfter are included.
func (s *OverlayService) ListUnsynced(ctx context.Context, staleAfter time.Duration, limit int32) ([]model.Overlay, error) {
	list, err := s.store.ListUnsyncedOverlays(ctx, database.ListUnsyncedOverlaysParams{
		StaleBefore: s.now().Add(-staleAfter),
		Limit:       limit,
	})
	s.track(err)
	if err != nil {
		return nil, storeErr("list unsynced overlays", err)
	}
	return list, nil
}

func (s *OverlayService) MarkSyncing(ctx context.Context, id string) (*model.Overlay, error) {
	return s.setSync(ctx, id, enum.SyncSyncing, "")
}

func (s *OverlayService) MarkSynced(ctx context.Context, id, backendOrderID string) (*model.Overlay, error) {
	return s.setSync(ctx, id, enum.SyncSynced, backendOrderID)
}

func (s *OverlayService) MarkSyncFailed(ctx context.Context, id string) (*model.Overlay, error) {
	return s.setSync(ctx, id, enum.SyncFailed, "")
}

func (s *OverlayService) setSync(ctx context.Context, id string, status enum.SyncStatus, backendID string) (*model.Overlay, error) {
	o, err := s.store.UpdateOverlaySync(ctx, database.UpdateOverlaySyncParams{
		ID:              id,
		SyncStatus:      status,
		BackendOrderID:  backendID,
		LastSyncAttempt: s.now(),
	})
	s.track(err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, storeErr("update overlay sync", err)
	}
	s.events.Publish(events.Event{Type: events.OrderSyncStatus, SlotID: o.SlotID, OrderID: o.ID, Payload: o.Clone()})
	return &o, nil
}

// CleanupSynced deletes closed, synced overlays older than retention.
func (s *OverlayService) CleanupSynced(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.store.DeleteSyncedOverlaysBefore(ctx, s.now().Add(-retention))
	s.track(err)
	if err != nil {
		return 0, storeErr("delete synced overlays", err)
	}
	return n, nil
}
