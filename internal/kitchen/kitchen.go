package kitchen

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiwari-pos/till/internal/logger"
	"github.com/kiwari-pos/till/internal/model"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	Exchange = "orders_topic"
	Queue    = "kitchen.q"
)

// TicketItem is one line as the kitchen sees it. Prices are left out.
type TicketItem struct {
	UniqueID     string   `json:"uniqueId"`
	Name         string   `json:"name"`
	Quantity     int32    `json:"quantity"`
	Variations   []string `json:"variations,omitempty"`
	AddOns       []string `json:"addOns,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type Ticket struct {
	OrderID    string       `json:"orderId"`
	SlotID     string       `json:"slotId"`
	OrderType  string       `json:"orderType"`
	Additional bool         `json:"additional"`
	Items      []TicketItem `json:"items"`
	Customer   string       `json:"customer,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// NewTicket builds a kitchen ticket for the given lines of an order.
// Upgrade lines only carry a price difference and are skipped.
func NewTicket(o model.Overlay, items []model.Item, additional bool, now time.Time) Ticket {
	t := Ticket{
		OrderID:    o.ID,
		SlotID:     o.SlotID,
		OrderType:  string(o.OrderType),
		Additional: additional,
		Items:      make([]TicketItem, 0, len(items)),
		CreatedAt:  now.UTC(),
	}
	if o.Customer != nil {
		t.Customer = o.Customer.Name
	}
	for _, it := range items {
		if it.IsModifierUpgrade {
			continue
		}
		ti := TicketItem{
			UniqueID:     it.UniqueID,
			Name:         it.Name,
			Quantity:     it.Quantity,
			Instructions: it.Modifiers.SpecialInstructions,
		}
		for _, v := range it.Modifiers.Variations {
			ti.Variations = append(ti.Variations, v.Name)
		}
		for _, a := range it.Modifiers.AddOns {
			ti.AddOns = append(ti.AddOns, a.Name)
		}
		t.Items = append(t.Items, ti)
	}
	return t
}

// RoutingKey is kitchen.<orderType>.new for a first ticket and
// kitchen.<orderType>.additional for lines added later.
func (t Ticket) RoutingKey() string {
	kind := "new"
	if t.Additional {
		kind = "additional"
	}
	return fmt.Sprintf("kitchen.%s.%s", t.OrderType, kind)
}

// Channel is the part of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Publisher struct {
	conn *amqp.Connection
	ch   Channel
	now  func() time.Time
	log  *logrus.Entry
}

// NewPublisher wraps an already declared channel.
func NewPublisher(ch Channel) *Publisher {
	return &Publisher{ch: ch, now: time.Now, log: logger.For("kitchen")}
}

// Dial connects to the broker and declares the exchange and kitchen queue.
func Dial(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declare(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p := NewPublisher(ch)
	p.conn = conn
	return p, nil
}

func declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(Queue, "kitchen.#", Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// Notify publishes a persistent JSON ticket for the given lines.
func (p *Publisher) Notify(ctx context.Context, o model.Overlay, items []model.Item, additional bool) error {
	t := NewTicket(o, items, additional, p.now())
	if len(t.Items) == 0 {
		return nil
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}

	key := t.RoutingKey()
	err = p.ch.PublishWithContext(ctx, Exchange, key, false, false, amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		ContentType:   "application/json",
		MessageId:     fmt.Sprintf("%s-%d", o.ID, o.Seq),
		CorrelationId: o.ID,
		Timestamp:     t.CreatedAt,
		Headers:       amqp.Table{"x-source": "till"},
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish ticket: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"order_id":    o.ID,
		"routing_key": key,
		"items":       len(t.Items),
	}).Info("kitchen ticket sent")
	return nil
}

func (p *Publisher) Close() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// Noop drops tickets. Used when no broker is configured.
type Noop struct{}

func (Noop) Notify(ctx context.Context, o model.Overlay, items []model.Item, additional bool) error {
	logger.For("kitchen").WithField("order_id", o.ID).Debug("no broker configured, ticket dropped")
	return nil
}
