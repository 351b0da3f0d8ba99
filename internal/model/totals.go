package model

import (
	"github.com/kiwari-pos/till/internal/enum"
	"github.com/shopspring/decimal"
)

// Tolerance is the rounding slack allowed when comparing stored totals with
// the sum of their items.
var Tolerance = decimal.RequireFromString("0.01")

// Totals is the financial summary of a set of lines.
type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`
}

// SumItems returns the sum of line totals.
func SumItems(items []Item) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(it.Total())
	}
	return sum
}

// ComputeTotals derives subtotal, tax and total from the lines.
// Tax is rounded to two places; total never goes negative.
func ComputeTotals(items []Item, taxRate, discount decimal.Decimal) Totals {
	subtotal := SumItems(items)
	tax := subtotal.Mul(taxRate).Round(2)
	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Discount: discount,
		Total:    totalOf(subtotal, tax, discount),
	}
}

func totalOf(subtotal, tax, discount decimal.Decimal) decimal.Decimal {
	total := subtotal.Add(tax).Sub(discount)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

func within(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// Consistent reports whether the stored totals agree with the lines.
func (o *Overlay) Consistent() bool {
	return within(o.Subtotal, SumItems(o.Items)) &&
		within(o.Total, totalOf(o.Subtotal, o.Tax, o.Discount))
}

// Reconcile recomputes subtotal and total from the lines when they disagree
// with the stored values. Tax and discount are kept as recorded. It reports
// whether a repair was made.
func (o *Overlay) Reconcile() bool {
	if o.Consistent() {
		return false
	}
	o.Subtotal = SumItems(o.Items)
	o.Total = totalOf(o.Subtotal, o.Tax, o.Discount)
	return true
}

// DerivePaymentStatus is paid only when every line is paid.
func DerivePaymentStatus(items []Item) enum.PaymentStatus {
	if len(items) == 0 {
		return enum.PaymentUnpaid
	}
	for _, it := range items {
		if !it.IsPaid {
			return enum.PaymentUnpaid
		}
	}
	return enum.PaymentPaid
}
