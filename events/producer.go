/*
Package events publishes ledger events to RabbitMQ.

PURPOSE:
  Billing services announce every write (payment posted, credit applied,
  late fee waived, ...) through the billing.Publisher interface. This
  package provides the implementations:

    Producer  - RabbitMQ topic exchange publisher (amqp091-go)
    Fallback  - logs the event and drops it; used when no broker is configured
    Recorder  - keeps events in memory; used by tests and the demo endpoints

DELIVERY:
  Publishing is best effort. A failed publish is logged by the caller and
  never rolls back the ledger write that triggered it.

WIRE FORMAT:
  JSON body, content type application/json, a random message ID and the
  publish timestamp. The routing key is the event name (e.g. "credit.applied").

SEE ALSO:
  - billing/events.go: Event names and payload
*/
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Publisher is a billing.Publisher that owns a connection.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// =============================================================================
// PRODUCER - RabbitMQ
// =============================================================================

// Producer holds the RabbitMQ connection and channel.
type Producer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel

	mu       sync.Mutex
	declared map[string]bool
}

// NewProducer dials the broker and opens a channel.
func NewProducer(amqpURL string) (*Producer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &Producer{conn: conn, channel: ch, declared: map[string]bool{}}, nil
}

// Publish sends body as JSON to a durable topic exchange.
func (p *Producer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.channel == nil {
		return errors.New("rabbitmq channel not initialized")
	}
	if err := p.declare(exchange); err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Body:        payload,
		Timestamp:   time.Now(),
	})
}

func (p *Producer) declare(exchange string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declared[exchange] {
		return nil
	}
	if err := p.channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	p.declared[exchange] = true
	return nil
}

// Close closes the channel and the connection.
func (p *Producer) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// =============================================================================
// FALLBACK - No broker
// =============================================================================

// Fallback logs events instead of publishing them.
type Fallback struct {
	Logger *slog.Logger
}

func (f *Fallback) Publish(_ context.Context, exchange, routingKey string, body interface{}) error {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("event not published, no broker configured",
		"exchange", exchange, "routing_key", routingKey, "body", body)
	return nil
}

func (f *Fallback) Close() {}

// Connect returns a Producer for amqpURL, or a Fallback when the URL is
// empty or the broker cannot be reached.
func Connect(amqpURL string, logger *slog.Logger) Publisher {
	if strings.TrimSpace(amqpURL) == "" {
		return &Fallback{Logger: logger}
	}
	p, err := NewProducer(amqpURL)
	if err != nil {
		logger.Warn("rabbitmq unavailable, events will only be logged", "error", err)
		return &Fallback{Logger: logger}
	}
	return p
}

// =============================================================================
// RECORDER - In-memory
// =============================================================================

// Message is one recorded publish.
type Message struct {
	Exchange   string
	RoutingKey string
	Body       json.RawMessage
}

// Recorder keeps published events in memory, JSON-encoded the same way the
// Producer sends them.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, exchange, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Exchange: exchange, RoutingKey: routingKey, Body: payload})
	return nil
}

func (r *Recorder) Close() {}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// RoutingKeys lists the routing keys in publish order.
func (r *Recorder) RoutingKeys() []string {
	msgs := r.Messages()
	keys := make([]string, len(msgs))
	for i, m := range msgs {
		keys[i] = m.RoutingKey
	}
	return keys
}
