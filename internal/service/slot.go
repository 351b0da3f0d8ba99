package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kiwari-pos/till/internal/database"
	"github.com/kiwari-pos/till/internal/enum"
	"github.com/kiwari-pos/till/internal/events"
	"github.com/kiwari-pos/till/internal/logger"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/sirupsen/logrus"
)

// OverlayReader is the part of the overlay service the slot service needs.
type OverlayReader interface {
	GetOverlay(ctx context.Context, id string) (*model.Overlay, error)
	ClearSlotCache(slotID string)
}

// Layout returns the slot ids for a branch: D1..Dn dine-in tables,
// T1..Tn take-away counters and DL1..DLn delivery positions.
func Layout(dineIn, takeaway, delivery int) []database.CreateSlotParams {
	var out []database.CreateSlotParams
	add := func(prefix string, n int, t enum.OrderType) {
		for i := 1; i <= n; i++ {
			out = append(out, database.CreateSlotParams{
				ID:        fmt.Sprintf("%s%d", prefix, i),
				Number:    int32(i),
				OrderType: t,
			})
		}
	}
	add("D", dineIn, enum.OrderTypeDineIn)
	add("T", takeaway, enum.OrderTypeTakeaway)
	add("DL", delivery, enum.OrderTypeDelivery)
	return out
}

// ProcessingParams mirrors the overlay's payment state onto the slot.
type ProcessingParams struct {
	OrderRefID    string
	PaymentStatus enum.PaymentStatus
	PaymentMethod enum.PaymentMethod
}

// TransferResult is the state of both slots after a transfer.
type TransferResult struct {
	From    model.Slot    `json:"from"`
	To      model.Slot    `json:"to"`
	Overlay model.Overlay `json:"overlay"`
}

// SlotService runs the slot state machine. Slots only reference overlays
// by id; order contents live in the overlay.
type SlotService struct {
	store            SlotStore
	overlays         OverlayReader
	pool             TxBeginner
	newTransferStore NewTransferStore
	events           events.Publisher
	thresholds       model.TimerThresholds
	now              func() time.Time
	log              *logrus.Entry
}

// NewSlotService creates a new SlotService.
func NewSlotService(store SlotStore, overlays OverlayReader, pool TxBeginner, newTransferStore NewTransferStore, pub events.Publisher, th model.TimerThresholds) *SlotService {
	if pub == nil {
		pub = events.Discard{}
	}
	return &SlotService{
		store:            store,
		overlays:         overlays,
		pool:             pool,
		newTransferStore: newTransferStore,
		events:           pub,
		thresholds:       th,
		now:              time.Now,
		log:              logger.For("slot"),
	}
}

// Bootstrap creates any slot of the layout that does not exist yet.
func (s *SlotService) Bootstrap(ctx context.Context, layout []database.CreateSlotParams) error {
	for _, p := range layout {
		if err := s.store.CreateSlot(ctx, p); err != nil {
			return storeErr("create slot "+p.ID, err)
		}
	}
	return nil
}

func (s *SlotService) view(sl model.Slot) model.Slot {
	if err := sl.CheckRef(); err != nil {
		s.log.WithError(err).WithField("integrity", "slot_ref").Error("slot violates reference invariant, treating as available")
		sl.Status = enum.SlotAvailable
		sl.OrderRefID = ""
		sl.StartTime = nil
		sl.PaymentStatus = ""
		sl.PaymentMethod = ""
	}
	return sl.WithTimer(s.now(), s.thresholds)
}

// Get returns one slot with its timer fields filled in.
func (s *SlotService) Get(ctx context.Context, id string) (*model.Slot, error) {
	sl, err := s.store.GetSlot(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, storeErr("get slot", err)
	}
	v := s.view(sl)
	return &v, nil
}

// List returns every slot with its timer fields filled in.
func (s *SlotService) List(ctx context.Context) ([]model.Slot, error) {
	list, err := s.store.ListSlots(ctx)
	if err != nil {
		return nil, storeErr("list slots", err)
	}
	for i := range list {
		list[i] = s.view(list[i])
	}
	return list, nil
}

func (s *SlotService) write(ctx context.Context, arg database.UpdateSlotStateParams) (*model.Slot, error) {
	sl, err := s.store.UpdateSlotState(ctx, arg)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, storeErr("update slot", err)
	}
	v := sl.WithTimer(s.now(), s.thresholds)
	s.events.Publish(events.Event{Type: events.SlotUpdated, SlotID: v.ID, OrderID: v.OrderRefID, Payload: v})
	return &v, nil
}

// SetProcessing marks the slot as having an order sent to the kitchen.
// The referenced overlay must exist and belong to the slot. The start time
// is kept when the slot is already processing.
func (s *SlotService) SetProcessing(ctx context.Context, slotID string, p ProcessingParams) (*model.Slot, error) {
	if p.OrderRefID == "" {
		return nil, fmt.Errorf("processing without order reference: %w", ErrInvalidTransition)
	}
	sl, err := s.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}
	switch sl.Status {
	case enum.SlotAvailable, enum.SlotDraft:
	case enum.SlotProcessing:
		if sl.OrderRefID != p.OrderRefID {
			return nil, fmt.Errorf("slot %s already serves %s: %w", slotID, sl.OrderRefID, ErrInvalidTransition)
		}
	default:
		return nil, fmt.Errorf("slot %s is %s: %w", slotID, sl.Status, ErrInvalidTransition)
	}

	o, err := s.overlays.GetOverlay(ctx, p.OrderRefID)
	if err != nil {
		return nil, err
	}
	if o.SlotID != slotID {
		return nil, fmt.Errorf("order %s belongs to slot %s: %w", o.ID, o.SlotID, ErrInvalidTransition)
	}

	start := sl.StartTime
	if start == nil {
		now := s.now()
		start = &now
	}
	if p.PaymentStatus == "" {
		p.PaymentStatus = o.PaymentStatus
	}
	return s.write(ctx, database.UpdateSlotStateParams{
		ID:            slotID,
		Status:        enum.SlotProcessing,
		StartTime:     start,
		PaymentStatus: p.PaymentStatus,
		PaymentMethod: p.PaymentMethod,
		OrderRefID:    p.OrderRefID,
	})
}

// SetCompleted moves a processing slot to completed. Its overlay must
// already be completed.
func (s *SlotService) SetCompleted(ctx context.Context, slotID string) (*model.Slot, error) {
	sl, err := s.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if sl.Status == enum.SlotCompleted {
		return sl, nil
	}
	if sl.Status != enum.SlotProcessing {
		return nil, fmt.Errorf("slot %s is %s: %w", slotID, sl.Status, ErrInvalidTransition)
	}
	o, err := s.overlays.GetOverlay(ctx, sl.OrderRefID)
	if err != nil {
		return nil, err
	}
	if o.Status != enum.OverlayCompleted {
		return nil, fmt.Errorf("order %s is %s: %w", o.ID, o.Status, ErrOrderNotCompleted)
	}
	method := sl.PaymentMethod
	if o.PaymentMethod != "" {
		method = o.PaymentMethod
	}
	return s.write(ctx, database.UpdateSlotStateParams{
		ID:            slotID,
		Status:        enum.SlotCompleted,
		StartTime:     sl.StartTime,
		PaymentStatus: enum.PaymentPaid,
		PaymentMethod: method,
		OrderRefID:    sl.OrderRefID,
	})
}

// SetAvailable resets the slot, dropping its order reference.
func (s *SlotService) SetAvailable(ctx context.Context, slotID string) (*model.Slot, error) {
	sl, err := s.store.GetSlot(ctx, slotID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, storeErr("get slot", err)
	}
	if sl.Status == enum.SlotAvailable && sl.OrderRefID == "" {
		v := s.view(sl)
		return &v, nil
	}
	s.overlays.ClearSlotCache(slotID)
	return s.write(ctx, database.UpdateSlotStateParams{ID: slotID, Status: enum.SlotAvailable})
}

// MarkDraft flags an available slot as holding an unsent order. Slots that
// are processing or completed are returned unchanged. The order must be
// active and held by this slot.
func (s *SlotService) MarkDraft(ctx context.Context, slotID, orderRefID string) (*model.Slot, error) {
	sl, err := s.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}
	switch sl.Status {
	case enum.SlotAvailable:
	case enum.SlotDraft:
		if sl.OrderRefID == orderRefID {
			return sl, nil
		}
	default:
		return sl, nil
	}
	o, err := s.overlays.GetOverlay(ctx, orderRefID)
	if err != nil {
		return nil, err
	}
	if o.Status != enum.OverlayActive || o.SlotID != slotID {
		return nil, fmt.Errorf("order %s is %s on slot %s: %w", o.ID, o.Status, o.SlotID, ErrOrderMoved)
	}
	return s.write(ctx, database.UpdateSlotStateParams{
		ID:            slotID,
		Status:        enum.SlotDraft,
		PaymentStatus: enum.PaymentUnpaid,
		OrderRefID:    orderRefID,
	})
}

// TransferOrderToSlot moves an order to an available slot. The overlay's
// slot and both slot rows change in one transaction.
func (s *SlotService) TransferOrderToSlot(ctx context.Context, fromID, toID string) (*TransferResult, error) {
	if fromID == toID {
		return nil, ErrSameSlot
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storeErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	store := s.newTransferStore(tx)

	// lock in id order so concurrent transfers cannot deadlock
	first, second := fromID, toID
	if second < first {
		first, second = second, first
	}
	locked := make(map[string]model.Slot, 2)
	for _, id := range []string{first, second} {
		sl, err := store.GetSlotForUpdate(ctx, id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("slot %s: %w", id, ErrSlotNotFound)
		}
		if err != nil {
			return nil, storeErr("lock slot", err)
		}
		locked[id] = sl
	}
	from, to := locked[fromID], locked[toID]

	if from.OrderRefID == "" || (from.Status != enum.SlotProcessing && from.Status != enum.SlotDraft) {
		return nil, fmt.Errorf("slot %s has no open order: %w", fromID, ErrInvalidTransition)
	}
	if to.Status != enum.SlotAvailable {
		return nil, fmt.Errorf("slot %s is %s: %w", toID, to.Status, ErrSlotNotAvailable)
	}
	if _, err := store.GetActiveOverlayBySlot(ctx, toID); err == nil {
		return nil, fmt.Errorf("slot %s has an open order: %w", toID, ErrSlotNotAvailable)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, storeErr("check destination", err)
	}

	o, err := store.GetOverlayForUpdate(ctx, from.OrderRefID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, storeErr("lock overlay", err)
	}
	if o.Status != enum.OverlayActive {
		return nil, fmt.Errorf("order %s is %s: %w", o.ID, o.Status, ErrOrderClosed)
	}

	moved, err := store.UpdateOverlaySlot(ctx, database.UpdateOverlaySlotParams{ID: o.ID, SlotID: toID})
	if err != nil {
		return nil, storeErr("move overlay", err)
	}

	// the destination is always processing; a draft starts its timer here
	start := from.StartTime
	if start == nil {
		now := s.now()
		start = &now
	}
	payment := from.PaymentStatus
	if payment == "" {
		payment = model.DerivePaymentStatus(o.Items)
	}
	newTo, err := store.UpdateSlotState(ctx, database.UpdateSlotStateParams{
		ID:            toID,
		Status:        enum.SlotProcessing,
		StartTime:     start,
		PaymentStatus: payment,
		PaymentMethod: from.PaymentMethod,
		OrderRefID:    o.ID,
	})
	if err != nil {
		return nil, storeErr("update destination slot", err)
	}
	newFrom, err := store.UpdateSlotState(ctx, database.UpdateSlotStateParams{ID: fromID, Status: enum.SlotAvailable})
	if err != nil {
		return nil, storeErr("reset source slot", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("commit tx", err)
	}

	s.overlays.ClearSlotCache(fromID)
	s.overlays.ClearSlotCache(toID)

	now := s.now()
	res := &TransferResult{
		From:    newFrom.WithTimer(now, s.thresholds),
		To:      newTo.WithTimer(now, s.thresholds),
		Overlay: moved,
	}
	s.events.Publish(events.Event{Type: events.SlotUpdated, SlotID: fromID, Payload: res.From})
	s.events.Publish(events.Event{Type: events.SlotUpdated, SlotID: toID, OrderID: o.ID, Payload: res.To})
	s.events.Publish(events.Event{Type: events.OrderUpdated, SlotID: toID, OrderID: o.ID, Payload: moved.Clone()})
	s.log.WithFields(logrus.Fields{"order_id": o.ID, "from": fromID, "to": toID}).Info("order transferred")
	return res, nil
}

// Reconcile repairs slots whose state disagrees with their overlays, as
// left behind by a crash between the overlay write and the slot write.
// It returns the number of slots changed.
func (s *SlotService) Reconcile(ctx context.Context) (int, error) {
	list, err := s.store.ListSlots(ctx)
	if err != nil {
		return 0, storeErr("list slots", err)
	}

	fixed := 0
	for _, sl := range list {
		target, reason, err := s.reconcileTarget(ctx, sl)
		if err != nil {
			return fixed, err
		}
		if target == "" {
			continue
		}
		entry := s.log.WithFields(logrus.Fields{
			"integrity": "slot_reconcile",
			"slot_id":   sl.ID,
			"order_id":  sl.OrderRefID,
			"from":      sl.Status,
			"to":        target,
		})
		entry.Warn(reason)

		switch target {
		case enum.SlotAvailable:
			_, err = s.write(ctx, database.UpdateSlotStateParams{ID: sl.ID, Status: enum.SlotAvailable})
		case enum.SlotCompleted:
			_, err = s.write(ctx, database.UpdateSlotStateParams{
				ID:            sl.ID,
				Status:        enum.SlotCompleted,
				StartTime:     sl.StartTime,
				PaymentStatus: enum.PaymentPaid,
				PaymentMethod: sl.PaymentMethod,
				OrderRefID:    sl.OrderRefID,
			})
		}
		if err != nil {
			return fixed, err
		}
		fixed++
	}
	return fixed, nil
}

func (s *SlotService) reconcileTarget(ctx context.Context, sl model.Slot) (enum.SlotStatus, string, error) {
	if err := sl.CheckRef(); err != nil {
		return enum.SlotAvailable, err.Error(), nil
	}
	if sl.Status == enum.SlotAvailable {
		return "", "", nil
	}
	if sl.OrderRefID == "" {
		return enum.SlotAvailable, "draft slot without order reference", nil
	}

	o, err := s.overlays.GetOverlay(ctx, sl.OrderRefID)
	if errors.Is(err, ErrOrderNotFound) {
		return enum.SlotAvailable, "slot references a missing order", nil
	}
	if err != nil {
		return "", "", err
	}
	if o.SlotID != sl.ID {
		return enum.SlotAvailable, "slot references an order held by another slot", nil
	}

	switch sl.Status {
	case enum.SlotDraft:
		if o.Status != enum.OverlayActive {
			return enum.SlotAvailable, "draft slot references a closed order", nil
		}
	case enum.SlotProcessing:
		switch o.Status {
		case enum.OverlayCompleted:
			return enum.SlotCompleted, "order completed but slot still processing", nil
		case enum.OverlayCancelled:
			return enum.SlotAvailable, "order cancelled but slot still processing", nil
		}
	}
	return "", "", nil
}
