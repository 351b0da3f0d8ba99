package service

import (
	"context"
	"errors"
	"sync"

	"github.com/kiwari-pos/till/internal/logger"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/sirupsen/logrus"
)

// OverlayWriter is the part of the overlay service the bridge writes through.
type OverlayWriter interface {
	UpsertFromCart(ctx context.Context, p UpsertParams) (*model.Overlay, error)
	RemoveOverlay(ctx context.Context, slotID, id string) error
}

// orderLock serializes writes for one order and remembers the newest
// sequence that reached the store.
type orderLock struct {
	mu      sync.Mutex
	applied int64
	refs    int
}

// Bridge pushes cart snapshots into the overlay store. Writes for the same
// order are serialized and a snapshot older than one already applied is
// dropped, so the overlay always converges to the latest cart.
type Bridge struct {
	overlays OverlayWriter
	log      *logrus.Entry

	mu     sync.Mutex
	orders map[string]*orderLock
}

func NewBridge(overlays OverlayWriter) *Bridge {
	return &Bridge{
		overlays: overlays,
		log:      logger.For("bridge"),
		orders:   make(map[string]*orderLock),
	}
}

func (b *Bridge) acquire(orderID string) *orderLock {
	b.mu.Lock()
	l, ok := b.orders[orderID]
	if !ok {
		l = &orderLock{}
		b.orders[orderID] = l
	}
	l.refs++
	b.mu.Unlock()

	l.mu.Lock()
	return l
}

func (b *Bridge) release(orderID string, l *orderLock) {
	l.mu.Unlock()

	b.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(b.orders, orderID)
	}
	b.mu.Unlock()
}

// Sync writes the snapshot. An empty snapshot removes the overlay and
// returns nil. A snapshot without an order id is a no-op.
func (b *Bridge) Sync(ctx context.Context, c Cart) (*model.Overlay, error) {
	if c.OrderID == "" {
		return nil, nil
	}

	l := b.acquire(c.OrderID)
	defer b.release(c.OrderID, l)

	if c.Seq < l.applied {
		b.log.WithFields(logrus.Fields{
			"order_id": c.OrderID,
			"seq":      c.Seq,
			"applied":  l.applied,
		}).Debug("dropping out-of-order cart snapshot")
		return nil, ErrStaleWrite
	}

	if len(c.Items) == 0 {
		if err := b.overlays.RemoveOverlay(ctx, c.SlotID, c.OrderID); err != nil {
			return nil, err
		}
		l.applied = c.Seq
		return nil, nil
	}

	o, err := b.overlays.UpsertFromCart(ctx, UpsertParams{
		OrderID:       c.OrderID,
		SlotID:        c.SlotID,
		OrderType:     c.OrderType,
		Items:         c.Items,
		Customer:      c.Customer,
		Subtotal:      c.Subtotal,
		Tax:           c.Tax,
		Discount:      c.Discount,
		Total:         c.Total,
		PaymentStatus: model.DerivePaymentStatus(c.Items),
		PaymentMethod: c.PaymentMethod,
		TillSessionID: c.TillSessionID,
		Seq:           c.Seq,
	})
	if err != nil {
		if !errors.Is(err, ErrStaleWrite) {
			b.log.WithError(err).WithField("order_id", c.OrderID).Warn("cart sync failed")
		}
		return nil, err
	}
	l.applied = c.Seq
	return o, nil
}
