package service

import (
	"context"
	"time"

	"github.com/kiwari-pos/till/internal/database"
	"github.com/kiwari-pos/till/internal/events"
	"github.com/kiwari-pos/till/internal/logger"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/kiwari-pos/till/internal/pricing"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Store is everything the engine persists through.
// Satisfied by *database.Queries.
type Store interface {
	OverlayStore
	SlotStore
	CounterStore
}

type EngineConfig struct {
	BranchCode  string
	POSID       string
	TaxRate     decimal.Decimal
	Timers      model.TimerThresholds
	SyncTimeout time.Duration
}

// Engine wires the order services of one till together.
type Engine struct {
	Overlays *OverlayService
	Slots    *SlotService
	Carts    *CartService
	Checkout *CheckoutService
	Sync     *SyncService
}

func NewEngine(store Store, pool TxBeginner, newTransferStore NewTransferStore, pub events.Publisher, kitchen KitchenNotifier, pusher Pusher, cfg EngineConfig) *Engine {
	overlays := NewOverlayService(store, pub)
	slots := NewSlotService(store, overlays, pool, newTransferStore, pub, cfg.Timers)
	carts := NewCartService(slots, overlays, NewBridge(overlays), NewAllocator(store, cfg.BranchCode, cfg.POSID), pricing.NewEngine(), cfg.TaxRate)
	syncer := NewSyncService(overlays, pusher, cfg.SyncTimeout)
	return &Engine{
		Overlays: overlays,
		Slots:    slots,
		Carts:    carts,
		Checkout: NewCheckoutService(carts, overlays, slots, syncer, kitchen),
		Sync:     syncer,
	}
}

// Start creates missing slots and repairs slots that disagree with their
// overlays. Orders that never reached the backend are left to
// RetryUnsynced, which callers run in the background.
func (e *Engine) Start(ctx context.Context, layout []database.CreateSlotParams) error {
	if err := e.Slots.Bootstrap(ctx, layout); err != nil {
		return err
	}
	repaired, err := e.Slots.Reconcile(ctx)
	if err != nil {
		return err
	}
	logger.For("engine").WithFields(logrus.Fields{
		"slots":          len(layout),
		"slots_repaired": repaired,
	}).Info("order engine started")
	return nil
}

// RetryUnsynced pushes completed orders that never reached the backend.
// Failures are logged; the orders stay failed until the next retry.
func (e *Engine) RetryUnsynced(ctx context.Context) {
	log := logger.For("engine")
	rep, err := e.Sync.RetryPending(ctx)
	if err != nil {
		log.WithError(err).Warn("startup sync retry failed")
		return
	}
	log.WithFields(logrus.Fields{
		"sync_attempted": rep.Attempted,
		"sync_failed":    rep.Failed,
	}).Info("startup sync retry finished")
}

// Wait drains background kitchen tickets and backend pushes.
func (e *Engine) Wait() {
	e.Checkout.Wait()
	e.Sync.Wait()
}
