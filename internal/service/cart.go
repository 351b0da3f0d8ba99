package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/kiwari-pos/till/internal/enum"
	"github.com/kiwari-pos/till/internal/logger"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/kiwari-pos/till/internal/pricing"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Cart is the in-memory working copy of the order being edited on a slot.
type Cart struct {
	SlotID    string          `json:"slotId"`
	OrderID   string          `json:"orderId,omitempty"`
	OrderType enum.OrderType  `json:"orderType"`
	Items     []model.Item    `json:"items"`
	Customer  *model.Customer `json:"customer,omitempty"`
	model.Totals
	PaymentMethod enum.PaymentMethod `json:"paymentMethod,omitempty"`
	TillSessionID string             `json:"tillSessionId,omitempty"`
	Seq           int64              `json:"seq"`
	Synced        bool               `json:"synced"`
	EditMode      bool               `json:"editMode,omitempty"`
	Notes         []string           `json:"notes,omitempty"`
}

func (c *Cart) clone() *Cart {
	out := *c
	out.Items = make([]model.Item, len(c.Items))
	for i, it := range c.Items {
		out.Items[i] = it.Clone()
	}
	if c.Customer != nil {
		cu := *c.Customer
		cu.LoyaltyRefs = append([]string(nil), c.Customer.LoyaltyRefs...)
		out.Customer = &cu
	}
	out.Notes = append([]string(nil), c.Notes...)
	return &out
}

func (c *Cart) find(uniqueID string) int {
	for i, it := range c.Items {
		if it.UniqueID == uniqueID {
			return i
		}
	}
	return -1
}

// Unsent returns the lines not yet sent to the kitchen.
func (c *Cart) Unsent() []model.Item {
	var out []model.Item
	for _, it := range c.Items {
		if !it.SentToKitchen {
			out = append(out, it.Clone())
		}
	}
	return out
}

// NewItem is a menu item being added to a cart.
type NewItem struct {
	ID        string
	Name      string
	Quantity  int32
	BasePrice decimal.Decimal
	Modifiers model.Modifiers
}

// SlotMarker is the part of the slot service the cart drives.
type SlotMarker interface {
	Get(ctx context.Context, id string) (*model.Slot, error)
	MarkDraft(ctx context.Context, slotID, orderRefID string) (*model.Slot, error)
	SetAvailable(ctx context.Context, slotID string) (*model.Slot, error)
}

// OrderSource loads overlays into carts.
type OrderSource interface {
	GetActiveOrderBySlot(ctx context.Context, slotID string) (*model.Overlay, error)
	GetOrderForEditing(ctx context.Context, slotID string) (*model.Overlay, error)
	Available() bool
}

// OrderIDs issues order ids.
type OrderIDs interface {
	Next(ctx context.Context) string
}

// CartService holds one cart per open slot and mirrors every change into
// the overlay store through the bridge.
type CartService struct {
	slots   SlotMarker
	orders  OrderSource
	bridge  *Bridge
	ids     OrderIDs
	pricing *pricing.Engine
	taxRate decimal.Decimal
	newID   func() string
	log     *logrus.Entry

	mu    sync.Mutex
	carts map[string]*Cart
}

// NewCartService creates a new CartService.
func NewCartService(slots SlotMarker, orders OrderSource, bridge *Bridge, ids OrderIDs, engine *pricing.Engine, taxRate decimal.Decimal) *CartService {
	return &CartService{
		slots:   slots,
		orders:  orders,
		bridge:  bridge,
		ids:     ids,
		pricing: engine,
		taxRate: taxRate,
		newID:   func() string { return uuid.NewString() },
		log:     logger.For("cart"),
		carts:   make(map[string]*Cart),
	}
}

func cartFromOverlay(sl *model.Slot, o *model.Overlay) *Cart {
	c := &Cart{SlotID: sl.ID, OrderType: sl.OrderType, Items: []model.Item{}, Synced: true}
	if o == nil {
		return c
	}
	oc := o.Clone()
	c.OrderID = oc.ID
	c.OrderType = oc.OrderType
	c.Items = oc.Items
	c.Customer = oc.Customer
	c.Totals = model.Totals{Subtotal: oc.Subtotal, Tax: oc.Tax, Discount: oc.Discount, Total: oc.Total}
	c.PaymentMethod = oc.PaymentMethod
	c.TillSessionID = oc.TillSessionID
	c.Seq = oc.Seq
	return c
}

func (s *CartService) load(ctx context.Context, slotID string, edit bool) (*Cart, error) {
	s.mu.Lock()
	if c, ok := s.carts[slotID]; ok {
		if edit {
			c.EditMode = true
		}
		out := c.clone()
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	sl, err := s.slots.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}
	var o *model.Overlay
	if edit {
		o, err = s.orders.GetOrderForEditing(ctx, slotID)
	} else {
		o, err = s.orders.GetActiveOrderBySlot(ctx, slotID)
	}
	if err != nil {
		return nil, err
	}
	fresh := cartFromOverlay(sl, o)
	fresh.EditMode = edit

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.carts[slotID]; ok {
		return c.clone(), nil
	}
	s.carts[slotID] = fresh
	return fresh.clone(), nil
}

// Open returns the slot's cart, loading it from the active overlay when the
// slot has one.
func (s *CartService) Open(ctx context.Context, slotID string) (*Cart, error) {
	return s.load(ctx, slotID, false)
}

// OpenForEditing loads the slot's active order into an edit-mode cart.
func (s *CartService) OpenForEditing(ctx context.Context, slotID string) (*Cart, error) {
	return s.load(ctx, slotID, true)
}

// Get returns the open cart for the slot, if any.
func (s *CartService) Get(slotID string) (*Cart, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[slotID]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// Close discards the slot's in-memory cart. The overlay is left as is.
func (s *CartService) Close(slotID string) {
	s.mu.Lock()
	delete(s.carts, slotID)
	s.mu.Unlock()
}

// Move hands the cart holding orderID over to the slot the order was
// transferred to. A cart left on the destination is discarded.
func (s *CartService) Move(fromID, toID, orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carts, toID)
	c, ok := s.carts[fromID]
	if !ok {
		return
	}
	delete(s.carts, fromID)
	if c.OrderID != orderID {
		return
	}
	c.SlotID = toID
	s.carts[toID] = c
}

// mutate applies fn to the slot's cart, bumps its sequence and syncs the
// result. Sync failures leave the cart marked unsynced; the next change or
// Flush retries.
func (s *CartService) mutate(ctx context.Context, slotID string, fn func(c *Cart) error) (*Cart, error) {
	if _, err := s.load(ctx, slotID, false); err != nil {
		return nil, err
	}

	s.mu.Lock()
	c, ok := s.carts[slotID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("cart for slot %s was closed: %w", slotID, ErrNoActiveOrder)
	}
	work := c.clone()
	if err := fn(work); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	work.Seq = c.Seq + 1
	work.Totals = model.ComputeTotals(work.Items, s.taxRate, work.Discount)
	work.Synced = false
	s.carts[slotID] = work
	snap := work.clone()
	s.mu.Unlock()

	return s.sync(ctx, snap)
}

func (s *CartService) sync(ctx context.Context, snap *Cart) (*Cart, error) {
	o, err := s.bridge.Sync(ctx, *snap)

	s.mu.Lock()
	c := s.carts[snap.SlotID]
	switch {
	case errors.Is(err, ErrStaleWrite):
	case errors.Is(err, ErrOrderClosed), errors.Is(err, ErrOrderMoved):
		if c != nil && c.OrderID == snap.OrderID {
			delete(s.carts, snap.SlotID)
		}
		s.mu.Unlock()
		return nil, err
	case err != nil:
		s.log.WithError(err).WithFields(logrus.Fields{
			"slot_id":  snap.SlotID,
			"order_id": snap.OrderID,
			"seq":      snap.Seq,
		}).Warn("cart kept locally, overlay write will be retried")
	default:
		if c != nil && c.Seq == snap.Seq {
			c.Synced = true
			if o != nil && o.ID != c.OrderID {
				c.OrderID = o.ID
			}
		}
	}
	var out *Cart
	if c != nil {
		out = c.clone()
	} else {
		out = snap
	}
	s.mu.Unlock()

	if err == nil && snap.OrderID != "" {
		s.markSlot(ctx, snap.SlotID, out.OrderID, len(snap.Items) > 0)
	}
	return out, nil
}

// markSlot keeps the slot's draft flag in line with the overlay.
func (s *CartService) markSlot(ctx context.Context, slotID, orderID string, hasItems bool) {
	var err error
	if hasItems {
		_, err = s.slots.MarkDraft(ctx, slotID, orderID)
	} else {
		var sl *model.Slot
		sl, err = s.slots.Get(ctx, slotID)
		if err == nil && sl.Status == enum.SlotDraft {
			_, err = s.slots.SetAvailable(ctx, slotID)
		}
	}
	if err != nil {
		s.log.WithError(err).WithField("slot_id", slotID).Warn("slot draft flag not updated")
	}
}

// Flush resends the cart if its last change has not reached the store.
func (s *CartService) Flush(ctx context.Context, slotID string) (*Cart, error) {
	s.mu.Lock()
	c, ok := s.carts[slotID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("slot %s: %w", slotID, ErrNoActiveOrder)
	}
	if c.Synced {
		out := c.clone()
		s.mu.Unlock()
		return out, nil
	}
	snap := c.clone()
	s.mu.Unlock()

	out, err := s.sync(ctx, snap)
	if err != nil {
		return nil, err
	}
	if !out.Synced && out.Seq == snap.Seq {
		return out, ErrSyncFailed
	}
	return out, nil
}

// AddItem appends a line, merging it into an identical unsent unpaid line.
// The first item on an empty cart allocates the order id.
func (s *CartService) AddItem(ctx context.Context, slotID string, in NewItem) (*Cart, error) {
	if in.Quantity < 1 {
		return nil, ErrInvalidQuantity
	}
	if in.BasePrice.IsNegative() || in.Modifiers.Price().IsNegative() {
		return nil, ErrInvalidPrice
	}

	cur, err := s.load(ctx, slotID, false)
	if err != nil {
		return nil, err
	}
	if cur.OrderID == "" && !s.orders.Available() {
		return nil, ErrStoreUnavailable
	}

	return s.mutate(ctx, slotID, func(c *Cart) error {
		// allocated under the cart lock so concurrent first adds share one id
		if c.OrderID == "" {
			c.OrderID = s.ids.Next(ctx)
		}
		price := pricing.UnitPrice(in.BasePrice, in.Modifiers)
		for i, it := range c.Items {
			if it.ID == in.ID && !it.IsPaid && !it.IsModifierUpgrade && !it.SentToKitchen &&
				it.UnitPrice.Equal(price) && sameModifiers(it.Modifiers, in.Modifiers) {
				c.Items[i].Quantity += in.Quantity
				return nil
			}
		}
		c.Items = append(c.Items, model.Item{
			ID:        in.ID,
			UniqueID:  s.newID(),
			Name:      in.Name,
			Quantity:  in.Quantity,
			BasePrice: in.BasePrice,
			UnitPrice: price,
			Modifiers: in.Modifiers.Clone(),
		})
		return nil
	})
}

func sameModifiers(a, b model.Modifiers) bool {
	if a.SpecialInstructions != b.SpecialInstructions ||
		len(a.Variations) != len(b.Variations) || len(a.AddOns) != len(b.AddOns) {
		return false
	}
	for i := range a.Variations {
		if a.Variations[i].ID != b.Variations[i].ID {
			return false
		}
	}
	for i := range a.AddOns {
		if a.AddOns[i].ID != b.AddOns[i].ID {
			return false
		}
	}
	return true
}

// RemoveItem drops an unpaid line. Removing an upgrade line puts its
// original item back on the modifiers last paid for.
func (s *CartService) RemoveItem(ctx context.Context, slotID, uniqueID string) (*Cart, error) {
	return s.mutate(ctx, slotID, func(c *Cart) error {
		i := c.find(uniqueID)
		if i < 0 {
			return ErrItemNotFound
		}
		it := c.Items[i]
		if it.IsPaid {
			return ErrPaidItemLocked
		}
		c.Items = append(c.Items[:i], c.Items[i+1:]...)
		if it.IsModifierUpgrade {
			revertToPaid(c, it.UpgradeOf)
		}
		return nil
	})
}

func revertToPaid(c *Cart, parentID string) {
	p := c.find(parentID)
	if p < 0 {
		return
	}
	parent := &c.Items[p]
	for j := len(c.Items) - 1; j >= 0; j-- {
		up := c.Items[j]
		if up.IsModifierUpgrade && up.IsPaid && up.UpgradeOf == parentID {
			parent.Modifiers = up.Modifiers.Clone()
			return
		}
	}
	if parent.OriginalPaidModifiers != nil {
		parent.Modifiers = parent.OriginalPaidModifiers.Clone()
	}
}

// SetQuantity changes a line's quantity. Paid lines cannot shrink; growing
// one adds new single-unit unpaid lines instead.
func (s *CartService) SetQuantity(ctx context.Context, slotID, uniqueID string, qty int32) (*Cart, error) {
	if qty < 1 {
		return nil, ErrInvalidQuantity
	}
	return s.mutate(ctx, slotID, func(c *Cart) error {
		i := c.find(uniqueID)
		if i < 0 {
			return ErrItemNotFound
		}
		it := c.Items[i]
		switch {
		case it.IsModifierUpgrade:
			return ErrUpgradeLocked
		case it.IsPaid && qty < it.Quantity:
			return ErrPaidItemLocked
		case it.IsPaid:
			if qty == it.Quantity {
				return nil
			}
			extra, err := s.pricing.AddQuantityToPaid(it, qty-it.Quantity)
			if err != nil {
				return err
			}
			c.Items = append(c.Items, extra...)
		default:
			c.Items[i].Quantity = qty
		}
		return nil
	})
}

// EditModifiers changes a line's modifiers. Unpaid lines are repriced in
// place. Paid lines keep their price and gain an upgrade line for any
// amount still owed; a pending upgrade line is replaced.
func (s *CartService) EditModifiers(ctx context.Context, slotID, uniqueID string, mods model.Modifiers) (*Cart, error) {
	if mods.Price().IsNegative() {
		return nil, ErrInvalidPrice
	}
	return s.mutate(ctx, slotID, func(c *Cart) error {
		i := c.find(uniqueID)
		if i < 0 {
			return ErrItemNotFound
		}
		it := c.Items[i]
		if it.IsModifierUpgrade {
			return ErrUpgradeLocked
		}
		if !it.IsPaid {
			c.Items[i].Modifiers = mods.Clone()
			c.Items[i].UnitPrice = pricing.UnitPrice(it.BasePrice, mods)
			return nil
		}

		res, err := s.pricing.EditPaidItem(c.OrderID, it, mods, pricing.PaidUpgrades(c.Items, uniqueID))
		if err != nil {
			return err
		}
		kept := c.Items[:0]
		for _, line := range c.Items {
			if line.IsModifierUpgrade && !line.IsPaid && line.UpgradeOf == uniqueID {
				continue
			}
			if line.UniqueID == uniqueID {
				line = res.Original
			}
			kept = append(kept, line)
		}
		c.Items = kept
		if res.Upgrade != nil {
			c.Items = append(c.Items, *res.Upgrade)
		}
		if res.Note != "" {
			c.Notes = append(c.Notes, res.Note)
		}
		return nil
	})
}

// SetCustomer attaches or clears the customer.
func (s *CartService) SetCustomer(ctx context.Context, slotID string, cu *model.Customer) (*Cart, error) {
	return s.mutate(ctx, slotID, func(c *Cart) error {
		if cu == nil {
			c.Customer = nil
			return nil
		}
		v := *cu
		c.Customer = &v
		return nil
	})
}

// SetTillSession records which till session the order is rung up under.
func (s *CartService) SetTillSession(ctx context.Context, slotID, tillSessionID string) (*Cart, error) {
	cur, err := s.load(ctx, slotID, false)
	if err != nil {
		return nil, err
	}
	if cur.TillSessionID == tillSessionID || tillSessionID == "" {
		return cur, nil
	}
	return s.mutate(ctx, slotID, func(c *Cart) error {
		c.TillSessionID = tillSessionID
		return nil
	})
}

// MarkPaid pays every unpaid line with the given method.
func (s *CartService) MarkPaid(ctx context.Context, slotID string, method enum.PaymentMethod) (*Cart, error) {
	return s.mutate(ctx, slotID, func(c *Cart) error {
		if len(c.Items) == 0 {
			return ErrEmptyCart
		}
		c.Items = pricing.MarkPaid(c.Items)
		c.PaymentMethod = method
		return nil
	})
}

// MarkSentToKitchen flags the given lines as sent.
func (s *CartService) MarkSentToKitchen(ctx context.Context, slotID string, uniqueIDs []string) (*Cart, error) {
	sent := make(map[string]bool, len(uniqueIDs))
	for _, id := range uniqueIDs {
		sent[id] = true
	}
	return s.mutate(ctx, slotID, func(c *Cart) error {
		for i := range c.Items {
			if sent[c.Items[i].UniqueID] {
				c.Items[i].SentToKitchen = true
			}
		}
		return nil
	})
}
