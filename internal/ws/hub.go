package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kiwari-pos/till/internal/events"
	"github.com/kiwari-pos/till/internal/logger"
)

// Event represents a WebSocket message to be broadcast
type Event struct {
	Type    string          `json:"type"`
	SlotID  string          `json:"slot_id,omitempty"`
	OrderID string          `json:"order_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// roomEvent is an internal struct for routing events to specific rooms
type roomEvent struct {
	Room  string
	Event Event
}

// BranchRoom receives every event of the till.
func BranchRoom(branchID string) string { return "branch:" + branchID }

// SlotRoom receives only the events of one slot, e.g. a customer display.
func SlotRoom(slotID string) string { return "slot:" + slotID }

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	// Registered clients by room
	rooms map[string]map[*Client]bool

	// Inbound messages from clients (register/unregister)
	register   chan *Client
	unregister chan *Client

	// Outbound messages to broadcast
	broadcast chan *roomEvent

	// Closed when Run returns
	done chan struct{}

	// Mutex for thread-safe room access
	mu sync.RWMutex
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *roomEvent, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop and returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			close(h.done)
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.rooms[client.room] == nil {
				h.rooms[client.room] = make(map[*Client]bool)
			}
			h.rooms[client.room][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()

		case event := <-h.broadcast:
			// Marshal event to JSON once
			message, err := json.Marshal(event.Event)
			if err != nil {
				continue
			}

			h.mu.Lock()
			for client := range h.rooms[event.Room] {
				select {
				case client.send <- message:
				default:
					// Client's send buffer is full, close and unregister
					h.drop(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop removes a client and closes its send channel. Caller holds mu.
func (h *Hub) drop(client *Client) {
	clients, ok := h.rooms[client.room]
	if !ok {
		return
	}
	if _, exists := clients[client]; !exists {
		return
	}
	delete(clients, client)
	close(client.send)
	// Clean up empty rooms
	if len(clients) == 0 {
		delete(h.rooms, client.room)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.rooms {
		for client := range clients {
			h.drop(client)
		}
	}
}

// BroadcastToRoom sends an event to all clients subscribed to a room
func (h *Hub) BroadcastToRoom(room string, event Event) {
	select {
	case h.broadcast <- &roomEvent{Room: room, Event: event}:
	case <-h.done:
	}
}

// Forward relays bus events to the branch room and, for slot scoped
// events, to that slot's room. It returns when ctx is cancelled or the
// subscription is closed.
func (h *Hub) Forward(ctx context.Context, sub <-chan events.Event, branchID string) {
	log := logger.For("ws")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			payload, err := json.Marshal(e.Payload)
			if err != nil {
				log.WithError(err).WithField("type", e.Type).Error("marshal event payload")
				continue
			}
			out := Event{Type: e.Type, SlotID: e.SlotID, OrderID: e.OrderID, Payload: payload}
			h.BroadcastToRoom(BranchRoom(branchID), out)
			if e.SlotID != "" {
				h.BroadcastToRoom(SlotRoom(e.SlotID), out)
			}
		}
	}
}
