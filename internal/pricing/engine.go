// Package pricing computes line prices and the differential lines produced
// when an already-paid item is changed.
package pricing

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiwari-pos/till/internal/logger"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotPaid       = errors.New("item is not paid")
	ErrUpgradeLine   = errors.New("item is a modifier upgrade line")
	ErrInvalidAmount = errors.New("extra quantity must be >= 1")
)

// UnitPrice is the base price plus every selected modifier.
func UnitPrice(base decimal.Decimal, mods model.Modifiers) decimal.Decimal {
	return base.Add(mods.Price())
}

// EditResult is the outcome of changing the modifiers of a paid line.
type EditResult struct {
	// Original is the paid line with its new modifiers. Its price, paid flag
	// and paid quantity are unchanged.
	Original model.Item
	// Upgrade is the new unpaid line carrying the price difference, or nil
	// when nothing more is owed.
	Upgrade *model.Item
	// Delta is the per-unit difference against everything already charged.
	Delta decimal.Decimal
	// Note describes a downgrade that was not refunded.
	Note string
}

// Engine prices paid-item changes without ever rewriting a paid line.
type Engine struct {
	newID func() string
	log   *logrus.Entry
}

func NewEngine() *Engine {
	return &Engine{
		newID: func() string { return uuid.NewString() },
		log:   logger.For("pricing"),
	}
}

// snapshot records what was charged the first time a line is seen paid.
func snapshot(it *model.Item) {
	if it.OriginalPaidPrice == nil {
		p := it.UnitPrice
		it.OriginalPaidPrice = &p
	}
	if it.OriginalPaidModifiers == nil {
		m := it.Modifiers.Clone()
		it.OriginalPaidModifiers = &m
	}
}

// EditPaidItem applies new modifiers to a paid line. paidUpgrades is the
// per-unit amount already charged through earlier upgrade lines for this
// item; the delta is measured against the paid price plus that amount.
func (e *Engine) EditPaidItem(orderID string, item model.Item, mods model.Modifiers, paidUpgrades decimal.Decimal) (EditResult, error) {
	if item.IsModifierUpgrade {
		return EditResult{}, ErrUpgradeLine
	}
	if !item.IsPaid {
		return EditResult{}, ErrNotPaid
	}

	orig := item.Clone()
	snapshot(&orig)
	orig.Modifiers = mods.Clone()

	charged := orig.OriginalPaidPrice.Add(paidUpgrades)
	delta := UnitPrice(orig.BasePrice, mods).Sub(charged)
	res := EditResult{Original: orig, Delta: delta}

	switch {
	case delta.IsPositive():
		qty := orig.PaidQuantity
		if qty <= 0 {
			qty = orig.Quantity
		}
		res.Upgrade = &model.Item{
			ID:                orig.ID,
			UniqueID:          e.newID(),
			Name:              fmt.Sprintf("%s (upgrade)", orig.Name),
			Quantity:          qty,
			BasePrice:         delta,
			UnitPrice:         delta,
			Modifiers:         mods.Clone(),
			IsModifierUpgrade: true,
			OriginalOrderID:   orderID,
			UpgradeOf:         orig.UniqueID,
		}
	case delta.IsNegative():
		res.Note = fmt.Sprintf("downgrade of %s by %s per unit not refunded", orig.Name, delta.Neg().StringFixed(2))
		e.log.WithFields(logrus.Fields{
			"order_id":  orderID,
			"unique_id": orig.UniqueID,
			"delta":     delta.StringFixed(2),
		}).Info("paid item downgraded, no refund line created")
	}
	return res, nil
}

// AddQuantityToPaid returns extra single-unit unpaid lines for a paid item,
// priced at its current modifiers. The paid line itself is left alone.
func (e *Engine) AddQuantityToPaid(item model.Item, extra int32) ([]model.Item, error) {
	if extra < 1 {
		return nil, ErrInvalidAmount
	}
	if !item.IsPaid {
		return nil, ErrNotPaid
	}
	if item.IsModifierUpgrade {
		return nil, ErrUpgradeLine
	}
	price := UnitPrice(item.BasePrice, item.Modifiers)
	lines := make([]model.Item, 0, extra)
	for i := int32(0); i < extra; i++ {
		lines = append(lines, model.Item{
			ID:        item.ID,
			UniqueID:  e.newID(),
			Name:      item.Name,
			Quantity:  1,
			BasePrice: item.BasePrice,
			UnitPrice: price,
			Modifiers: item.Modifiers.Clone(),
		})
	}
	return lines, nil
}

// MarkPaid returns a copy of items with every unpaid line paid in full.
// Paid snapshots are written once and never overwritten.
func MarkPaid(items []model.Item) []model.Item {
	out := make([]model.Item, len(items))
	for i, it := range items {
		it = it.Clone()
		if !it.IsPaid {
			it.IsPaid = true
			it.PaidQuantity = it.Quantity
			snapshot(&it)
		}
		out[i] = it
	}
	return out
}

// PaidUpgrades sums the per-unit price of paid upgrade lines for one item.
func PaidUpgrades(items []model.Item, uniqueID string) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		if it.IsModifierUpgrade && it.IsPaid && it.UpgradeOf == uniqueID {
			sum = sum.Add(it.UnitPrice)
		}
	}
	return sum
}
