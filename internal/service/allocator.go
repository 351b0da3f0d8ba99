package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kiwari-pos/till/internal/logger"
)

// Allocator issues device-prefixed order ids from a durable counter.
type Allocator struct {
	store  CounterStore
	prefix string
	now    func() time.Time
}

// NewAllocator creates an Allocator whose ids look like KWR-P1-000042.
func NewAllocator(store CounterStore, branchCode, posID string) *Allocator {
	return &Allocator{
		store:  store,
		prefix: fmt.Sprintf("%s-%s", branchCode, posID),
		now:    time.Now,
	}
}

// Next returns a fresh order id. It never fails: when the counter cannot be
// read it falls back to a time-derived id so item entry is never blocked.
func (a *Allocator) Next(ctx context.Context) string {
	n, err := a.store.NextOrderNumber(ctx, a.prefix)
	if err != nil {
		id := fmt.Sprintf("%s-T%d", a.prefix, a.now().UnixMilli())
		logger.For("allocator").WithError(err).WithField("order_id", id).
			Warn("order counter unreadable, using time-derived id")
		return id
	}
	return fmt.Sprintf("%s-%06d", a.prefix, n)
}
