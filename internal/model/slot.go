package model

import (
	"fmt"
	"time"

	"github.com/kiwari-pos/till/internal/enum"
)

// Slot is a physical order position (table or counter). It references an
// overlay by id and never holds order contents.
type Slot struct {
	ID            string             `json:"id"`
	Number        int32              `json:"number"`
	OrderType     enum.OrderType     `json:"orderType"`
	Status        enum.SlotStatus    `json:"status"`
	IsActive      bool               `json:"isActive"`
	StartTime     *time.Time         `json:"startTime,omitempty"`
	ElapsedTime   int64              `json:"elapsedTime,omitempty"`
	TimeStatus    enum.TimeStatus    `json:"timeStatus,omitempty"`
	PaymentStatus enum.PaymentStatus `json:"paymentStatus,omitempty"`
	PaymentMethod enum.PaymentMethod `json:"paymentMethod,omitempty"`
	OrderRefID    string             `json:"orderRefId,omitempty"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// CheckRef verifies the reference invariant: processing and completed slots
// must reference an overlay, available slots must not.
func (s *Slot) CheckRef() error {
	switch s.Status {
	case enum.SlotProcessing, enum.SlotCompleted:
		if s.OrderRefID == "" {
			return fmt.Errorf("slot %s is %s without an order reference", s.ID, s.Status)
		}
	case enum.SlotAvailable:
		if s.OrderRefID != "" {
			return fmt.Errorf("slot %s is available but references %s", s.ID, s.OrderRefID)
		}
	case enum.SlotDraft:
	default:
		return fmt.Errorf("slot %s has unknown status %q", s.ID, s.Status)
	}
	return nil
}

// TimerThresholds are the elapsed durations at which a slot turns warning
// and overdue.
type TimerThresholds struct {
	Warning time.Duration
	Overdue time.Duration
}

// ComputeTimer derives elapsed seconds and time status from the start time.
// It is pure and recomputable at any moment.
func ComputeTimer(start *time.Time, now time.Time, th TimerThresholds) (int64, enum.TimeStatus) {
	if start == nil {
		return 0, ""
	}
	elapsed := now.Sub(*start)
	if elapsed < 0 {
		elapsed = 0
	}
	status := enum.TimeFresh
	switch {
	case th.Overdue > 0 && elapsed >= th.Overdue:
		status = enum.TimeOverdue
	case th.Warning > 0 && elapsed >= th.Warning:
		status = enum.TimeWarning
	}
	return int64(elapsed / time.Second), status
}

// WithTimer returns a copy of the slot with derived timer fields filled in.
func (s Slot) WithTimer(now time.Time, th TimerThresholds) Slot {
	s.ElapsedTime, s.TimeStatus = ComputeTimer(s.StartTime, now, th)
	return s
}
