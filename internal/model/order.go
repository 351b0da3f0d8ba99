package model

import (
	"time"

	"github.com/kiwari-pos/till/internal/enum"
	"github.com/shopspring/decimal"
)

// Modifier is a priced variation or add-on selected for a line.
type Modifier struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// Modifiers groups everything that changes a line's price or preparation.
type Modifiers struct {
	Variations          []Modifier `json:"variations"`
	AddOns              []Modifier `json:"addOns"`
	SpecialInstructions string     `json:"specialInstructions,omitempty"`
}

// Price returns the sum of all variation and add-on prices.
func (m Modifiers) Price() decimal.Decimal {
	total := decimal.Zero
	for _, v := range m.Variations {
		total = total.Add(v.Price)
	}
	for _, a := range m.AddOns {
		total = total.Add(a.Price)
	}
	return total
}

// Clone returns a deep copy.
func (m Modifiers) Clone() Modifiers {
	out := Modifiers{SpecialInstructions: m.SpecialInstructions}
	if m.Variations != nil {
		out.Variations = append([]Modifier(nil), m.Variations...)
	}
	if m.AddOns != nil {
		out.AddOns = append([]Modifier(nil), m.AddOns...)
	}
	return out
}

// Item is one order line.
//
// UnitPrice is BasePrice plus the modifier prices. Paid lines carry a
// write-once snapshot of what was charged (OriginalPaidPrice and
// OriginalPaidModifiers); later edits never rewrite it.
type Item struct {
	ID                    string           `json:"id"`
	UniqueID              string           `json:"uniqueId"`
	Name                  string           `json:"name"`
	Quantity              int32            `json:"quantity"`
	BasePrice             decimal.Decimal  `json:"basePrice"`
	UnitPrice             decimal.Decimal  `json:"unitPrice"`
	Modifiers             Modifiers        `json:"modifiers"`
	IsPaid                bool             `json:"isPaid"`
	PaidQuantity          int32            `json:"paidQuantity,omitempty"`
	OriginalPaidPrice     *decimal.Decimal `json:"originalPaidPrice,omitempty"`
	OriginalPaidModifiers *Modifiers       `json:"originalPaidModifiers,omitempty"`
	IsModifierUpgrade     bool             `json:"isModifierUpgrade,omitempty"`
	OriginalOrderID       string           `json:"originalOrderId,omitempty"`
	UpgradeOf             string           `json:"upgradeOf,omitempty"`
	SentToKitchen         bool             `json:"sentToKitchen,omitempty"`
}

// Total is the line total.
func (it Item) Total() decimal.Decimal {
	return it.UnitPrice.Mul(decimal.NewFromInt32(it.Quantity))
}

// Clone returns a deep copy.
func (it Item) Clone() Item {
	out := it
	out.Modifiers = it.Modifiers.Clone()
	if it.OriginalPaidPrice != nil {
		p := *it.OriginalPaidPrice
		out.OriginalPaidPrice = &p
	}
	if it.OriginalPaidModifiers != nil {
		m := it.OriginalPaidModifiers.Clone()
		out.OriginalPaidModifiers = &m
	}
	return out
}

// Customer is the optional customer attached to an order.
type Customer struct {
	Name        string   `json:"name"`
	Phone       string   `json:"phone,omitempty"`
	LoyaltyRefs []string `json:"loyaltyRefs,omitempty"`
}

// Overlay is the durable, authoritative record of one order.
type Overlay struct {
	ID              string             `json:"id"`
	SlotID          string             `json:"slotId"`
	OrderType       enum.OrderType     `json:"orderType"`
	Items           []Item             `json:"items"`
	Customer        *Customer          `json:"customer,omitempty"`
	Subtotal        decimal.Decimal    `json:"subtotal"`
	Tax             decimal.Decimal    `json:"tax"`
	Discount        decimal.Decimal    `json:"discount"`
	Total           decimal.Decimal    `json:"total"`
	Status          enum.OverlayStatus `json:"status"`
	PaymentStatus   enum.PaymentStatus `json:"paymentStatus"`
	PaymentMethod   enum.PaymentMethod `json:"paymentMethod,omitempty"`
	SyncStatus      enum.SyncStatus    `json:"syncStatus"`
	BackendOrderID  string             `json:"backendOrderId,omitempty"`
	LastSyncAttempt *time.Time         `json:"lastSyncAttempt,omitempty"`
	TillSessionID   string             `json:"tillSessionId,omitempty"`
	Seq             int64              `json:"seq"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
	CompletedAt     *time.Time         `json:"completedAt,omitempty"`
}

// HasPaidItems reports whether any line has been paid.
func (o *Overlay) HasPaidItems() bool {
	for _, it := range o.Items {
		if it.IsPaid {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so cached overlays are never shared with callers.
func (o *Overlay) Clone() *Overlay {
	if o == nil {
		return nil
	}
	out := *o
	out.Items = make([]Item, len(o.Items))
	for i, it := range o.Items {
		out.Items[i] = it.Clone()
	}
	if o.Customer != nil {
		c := *o.Customer
		c.LoyaltyRefs = append([]string(nil), o.Customer.LoyaltyRefs...)
		out.Customer = &c
	}
	if o.LastSyncAttempt != nil {
		t := *o.LastSyncAttempt
		out.LastSyncAttempt = &t
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
