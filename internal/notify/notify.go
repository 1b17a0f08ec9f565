package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const exchange = "pos_events"

// Event is the wire form of one broadcast to connected POS clients.
type Event struct {
	Event     string         `json:"event"`
	BranchID  int            `json:"branchId"`
	EntityID  int            `json:"entityId"`
	ActorID   int            `json:"actorId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher broadcasts events over a durable fanout exchange. Emit is
// fire-and-forget: publish failures are logged and dropped, never surfaced to
// the mutation that triggered them.
type Publisher struct {
	conn *amqp091.Connection
	ch   *amqp091.Channel
	log  *zap.Logger
}

// New dials the broker and declares the exchange. An empty URL returns a nil
// Publisher, which every service treats as "notifications disabled".
func New(amqpURL string, log *zap.Logger) (*Publisher, error) {
	if amqpURL == "" {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}

	conn, err := amqp091.Dial(amqpURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, log: log}, nil
}

func (p *Publisher) Emit(event string, branchID, entityID int, payload map[string]any, actorID int) {
	if p == nil {
		return
	}
	body, err := json.Marshal(Event{
		Event:     event,
		BranchID:  branchID,
		EntityID:  entityID,
		ActorID:   actorID,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		p.log.Warn("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}

	// The publish happens off the caller's goroutine so a slow or wedged
	// broker never stalls the mutation that emitted the event.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := p.ch.PublishWithContext(ctx, exchange, "", false, false, amqp091.Publishing{
			DeliveryMode: amqp091.Transient,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		})
		if err != nil {
			p.log.Warn("failed to publish event", zap.String("event", event), zap.Error(err))
		}
	}()
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if p.ch != nil && !p.ch.IsClosed() {
		_ = p.ch.Close()
	}
	if p.conn != nil && !p.conn.IsClosed() {
		_ = p.conn.Close()
	}
}
