package worker

import (
	"context"
	"time"

	"github.com/kiwari-pos/till/internal/enum"
	"github.com/kiwari-pos/till/internal/events"
	"github.com/kiwari-pos/till/internal/logger"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/sirupsen/logrus"
)

// SlotLister returns slots with timers derived for the current moment.
type SlotLister interface {
	List(ctx context.Context) ([]model.Slot, error)
}

// TimerWorker publishes elapsed time for running slots so screens can
// update their clocks without polling.
type TimerWorker struct {
	slots    SlotLister
	events   events.Publisher
	interval time.Duration
	log      *logrus.Entry
}

func NewTimerWorker(slots SlotLister, pub events.Publisher, interval time.Duration) *TimerWorker {
	if interval <= 0 {
		interval = time.Second
	}
	return &TimerWorker{slots: slots, events: pub, interval: interval, log: logger.For("timer")}
}

// Tick publishes one slot.timer event covering every processing slot.
// Nothing is published when no slot is running.
func (w *TimerWorker) Tick(ctx context.Context) {
	all, err := w.slots.List(ctx)
	if err != nil {
		w.log.WithError(err).Warn("list slots for timer")
		return
	}
	running := make([]model.Slot, 0, len(all))
	for _, sl := range all {
		if sl.Status == enum.SlotProcessing && sl.StartTime != nil {
			running = append(running, sl)
		}
	}
	if len(running) == 0 {
		return
	}
	w.events.Publish(events.Event{Type: events.SlotTimer, Payload: running})
}

func (w *TimerWorker) Start(ctx context.Context) {
	loop(ctx, w.log, w.interval, w.Tick)
}
