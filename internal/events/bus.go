package events

import (
	"sync"
)

// Event types emitted by the order engine.
const (
	SlotUpdated     = "slot.updated"
	SlotTimer       = "slot.timer"
	OrderUpdated    = "order.updated"
	OrderRemoved    = "order.removed"
	OrderCompleted  = "order.completed"
	OrderCancelled  = "order.cancelled"
	OrderSyncStatus = "order.sync"
)

// Event is a change notification. Payload is the full post-change value
// (a slot, an overlay, or a list of slots for timer ticks).
type Event struct {
	Type    string      `json:"type"`
	SlotID  string      `json:"slot_id,omitempty"`
	OrderID string      `json:"order_id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// Publisher is the write side of the bus; services depend on this only.
type Publisher interface {
	Publish(e Event)
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
