package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kiwari-pos/till/internal/enum"
	"github.com/kiwari-pos/till/internal/logger"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// KitchenNotifier sends order tickets to the kitchen.
type KitchenNotifier interface {
	Notify(ctx context.Context, o model.Overlay, items []model.Item, additional bool) error
}

// OrderResult is the state after a checkout step.
type OrderResult struct {
	Slot    *model.Slot    `json:"slot,omitempty"`
	Overlay *model.Overlay `json:"order,omitempty"`
	Change  *string        `json:"change,omitempty"`
}

// CheckoutService coordinates carts, overlays and slots for the order
// lifecycle steps: place, pay, complete, cancel and release.
type CheckoutService struct {
	carts          *CartService
	overlays       *OverlayService
	slots          *SlotService
	sync           *SyncService
	kitchen        KitchenNotifier
	kitchenTimeout time.Duration
	log            *logrus.Entry
	wg             sync.WaitGroup

	// pending tickets per order; a key is present while its sender runs
	kmu     sync.Mutex
	tickets map[string][]kitchenJob
}

type kitchenJob struct {
	order      model.Overlay
	items      []model.Item
	additional bool
}

// NewCheckoutService creates a new CheckoutService.
func NewCheckoutService(carts *CartService, overlays *OverlayService, slots *SlotService, syncer *SyncService, kitchen KitchenNotifier) *CheckoutService {
	return &CheckoutService{
		carts:          carts,
		overlays:       overlays,
		slots:          slots,
		sync:           syncer,
		kitchen:        kitchen,
		kitchenTimeout: 5 * time.Second,
		log:            logger.For("checkout"),
		tickets:        make(map[string][]kitchenJob),
	}
}

func itemIDs(items []model.Item) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.UniqueID
	}
	return ids
}

// notifyKitchen queues the ticket for background delivery; a kitchen
// outage never blocks the till. Tickets of one order are sent one at a time
// in the order they were queued.
func (s *CheckoutService) notifyKitchen(o model.Overlay, items []model.Item, additional bool) {
	if s.kitchen == nil || len(items) == 0 {
		return
	}
	s.kmu.Lock()
	q, sending := s.tickets[o.ID]
	s.tickets[o.ID] = append(q, kitchenJob{order: o, items: items, additional: additional})
	if !sending {
		s.wg.Add(1)
		go s.sendTickets(o.ID)
	}
	s.kmu.Unlock()
}

func (s *CheckoutService) sendTickets(orderID string) {
	defer s.wg.Done()
	for {
		s.kmu.Lock()
		q := s.tickets[orderID]
		if len(q) == 0 {
			delete(s.tickets, orderID)
			s.kmu.Unlock()
			return
		}
		job := q[0]
		s.tickets[orderID] = q[1:]
		s.kmu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.kitchenTimeout)
		if err := s.kitchen.Notify(ctx, job.order, job.items, job.additional); err != nil {
			s.log.WithError(err).WithField("order_id", orderID).Error("kitchen ticket not delivered")
		}
		cancel()
	}
}

// Wait blocks until background kitchen tickets finish.
func (s *CheckoutService) Wait() { s.wg.Wait() }

func (s *CheckoutService) openNonEmpty(ctx context.Context, slotID string) (*Cart, error) {
	c, err := s.carts.Open(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if len(c.Items) == 0 {
		return nil, ErrEmptyCart
	}
	return c, nil
}

// PlaceOrder persists the cart, moves the slot to processing and sends new
// lines to the kitchen. Placing again sends only lines added since.
func (s *CheckoutService) PlaceOrder(ctx context.Context, slotID, tillSessionID string) (*OrderResult, error) {
	if _, err := s.openNonEmpty(ctx, slotID); err != nil {
		return nil, err
	}
	if _, err := s.carts.SetTillSession(ctx, slotID, tillSessionID); err != nil {
		return nil, err
	}
	c, err := s.carts.Flush(ctx, slotID)
	if err != nil {
		return nil, err
	}

	before, err := s.slots.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}
	sl, err := s.slots.SetProcessing(ctx, slotID, ProcessingParams{
		OrderRefID:    c.OrderID,
		PaymentStatus: model.DerivePaymentStatus(c.Items),
		PaymentMethod: c.PaymentMethod,
	})
	if err != nil {
		return nil, err
	}

	unsent := c.Unsent()
	if len(unsent) > 0 {
		if c, err = s.carts.MarkSentToKitchen(ctx, slotID, itemIDs(unsent)); err != nil {
			return nil, err
		}
	}
	o, err := s.overlays.GetOverlay(ctx, c.OrderID)
	if err != nil {
		return nil, err
	}
	s.notifyKitchen(*o, unsent, before.Status == enum.SlotProcessing)

	s.log.WithFields(logrus.Fields{"order_id": o.ID, "slot_id": slotID, "lines": len(unsent)}).Info("order placed")
	return &OrderResult{Slot: sl, Overlay: o}, nil
}

// RecordPayment pays every unpaid line without closing the order.
func (s *CheckoutService) RecordPayment(ctx context.Context, slotID string, method enum.PaymentMethod) (*OrderResult, error) {
	if _, err := s.openNonEmpty(ctx, slotID); err != nil {
		return nil, err
	}
	if _, err := s.carts.MarkPaid(ctx, slotID, method); err != nil {
		return nil, err
	}
	c, err := s.carts.Flush(ctx, slotID)
	if err != nil {
		return nil, err
	}
	o, err := s.overlays.GetOverlay(ctx, c.OrderID)
	if err != nil {
		return nil, err
	}

	sl, err := s.slots.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if sl.Status == enum.SlotProcessing {
		sl, err = s.slots.SetProcessing(ctx, slotID, ProcessingParams{
			OrderRefID:    c.OrderID,
			PaymentStatus: o.PaymentStatus,
			PaymentMethod: method,
		})
		if err != nil {
			return nil, err
		}
	}
	return &OrderResult{Slot: sl, Overlay: o}, nil
}

// CompletePayment takes the final payment and closes the order. The
// overlay is completed before the slot moves, so a crash in between leaves
// a state Reconcile can finish.
func (s *CheckoutService) CompletePayment(ctx context.Context, slotID string, method enum.PaymentMethod, tendered decimal.Decimal) (*OrderResult, error) {
	c, err := s.openNonEmpty(ctx, slotID)
	if err != nil {
		return nil, err
	}
	due := amountDue(c, s.carts.taxRate)
	if !tendered.IsZero() && tendered.LessThan(due) {
		return nil, ErrInsufficientAmount
	}

	unsent := c.Unsent()
	if len(unsent) > 0 {
		if _, err := s.carts.MarkSentToKitchen(ctx, slotID, itemIDs(unsent)); err != nil {
			return nil, err
		}
	}
	if _, err := s.carts.MarkPaid(ctx, slotID, method); err != nil {
		return nil, err
	}
	if c, err = s.carts.Flush(ctx, slotID); err != nil {
		return nil, err
	}

	o, err := s.overlays.MarkOrderCompleted(ctx, c.OrderID)
	if err != nil {
		return nil, err
	}
	s.carts.Close(slotID)
	s.overlays.ClearSlotCache(slotID)

	sl, err := s.finishSlot(ctx, slotID, o, method)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"order_id": o.ID,
			"slot_id":  slotID,
		}).Error("order completed but slot not updated, left for reconcile")
	}

	s.notifyKitchen(*o, unsent, len(unsent) < len(o.Items))
	s.sync.PushAsync(*o)

	res := &OrderResult{Slot: sl, Overlay: o}
	if !tendered.IsZero() {
		change := tendered.Sub(due).StringFixed(2)
		res.Change = &change
	}
	s.log.WithFields(logrus.Fields{"order_id": o.ID, "slot_id": slotID, "method": method}).Info("payment completed")
	return res, nil
}

// amountDue is what is still owed: the total less the tax-inclusive value
// of lines already paid.
func amountDue(c *Cart, taxRate decimal.Decimal) decimal.Decimal {
	var paid []model.Item
	for _, it := range c.Items {
		if it.IsPaid {
			paid = append(paid, it)
		}
	}
	settled := model.ComputeTotals(paid, taxRate, decimal.Zero).Total
	due := c.Total.Sub(settled)
	if due.IsNegative() {
		return decimal.Zero
	}
	return due
}

func (s *CheckoutService) finishSlot(ctx context.Context, slotID string, o *model.Overlay, method enum.PaymentMethod) (*model.Slot, error) {
	sl, err := s.slots.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if sl.Status != enum.SlotProcessing {
		if _, err := s.slots.SetProcessing(ctx, slotID, ProcessingParams{
			OrderRefID:    o.ID,
			PaymentStatus: enum.PaymentPaid,
			PaymentMethod: method,
		}); err != nil {
			return nil, err
		}
	}
	return s.slots.SetCompleted(ctx, slotID)
}

// CancelOrder abandons the slot's order. Draft orders are deleted; orders
// already sent to the kitchen are kept as cancelled. Orders with paid
// lines cannot be cancelled.
func (s *CheckoutService) CancelOrder(ctx context.Context, slotID string) (*model.Slot, error) {
	sl, err := s.slots.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}
	o, err := s.overlays.GetActiveOrderBySlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if o != nil && o.HasPaidItems() {
		return nil, ErrOverlayHasPayments
	}

	s.carts.Close(slotID)

	if o != nil {
		if sl.Status == enum.SlotProcessing || sentToKitchen(o.Items) {
			_, err = s.overlays.MarkOrderCancelled(ctx, o.ID)
		} else {
			err = s.overlays.RemoveOverlay(ctx, slotID, o.ID)
		}
		if err != nil && !errors.Is(err, ErrOrderClosed) {
			return nil, err
		}
		s.log.WithFields(logrus.Fields{"order_id": o.ID, "slot_id": slotID}).Info("order cancelled")
	}
	return s.slots.SetAvailable(ctx, slotID)
}

func sentToKitchen(items []model.Item) bool {
	for _, it := range items {
		if it.SentToKitchen {
			return true
		}
	}
	return false
}

// TransferOrderToSlot moves the slot's order, and its open cart, to an
// available slot.
func (s *CheckoutService) TransferOrderToSlot(ctx context.Context, fromID, toID string) (*TransferResult, error) {
	res, err := s.slots.TransferOrderToSlot(ctx, fromID, toID)
	if err != nil {
		return nil, err
	}
	s.carts.Move(fromID, toID, res.Overlay.ID)
	return res, nil
}

// ReleaseSlot frees a completed slot for the next guest.
func (s *CheckoutService) ReleaseSlot(ctx context.Context, slotID string) (*model.Slot, error) {
	sl, err := s.slots.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if sl.Status != enum.SlotCompleted {
		return nil, fmt.Errorf("slot %s is %s: %w", slotID, sl.Status, ErrInvalidTransition)
	}
	s.carts.Close(slotID)
	return s.slots.SetAvailable(ctx, slotID)
}
