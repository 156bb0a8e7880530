// Package queue carries search index events over RabbitMQ.
//
// Catalog writers, the admin API and searchctl publish IndexEvents onto the
// durable "search_index_events" queue; cmd/worker consumes them and applies
// each one to Elasticsearch. Messages are persistent and acked by hand, so an
// event leaves the queue only after the index reflects it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketplace-search/internal/models"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const indexQueueName = "search_index_events"

// session is one connection plus channel bound to the index event queue.
type session struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
}

// open dials the broker and declares the queue. A prefetch above zero limits
// unacked deliveries on the channel.
func open(url string, prefetch int) (*session, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}

	s := &session{conn: conn, channel: ch}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			s.close()
			return nil, fmt.Errorf("queue: set qos: %w", err)
		}
	}

	s.queue, err = ch.QueueDeclare(indexQueueName, true, false, false, false, nil)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("queue: declare %s: %w", indexQueueName, err)
	}
	return s, nil
}

func (s *session) close() {
	s.channel.Close()
	s.conn.Close()
}

// Publisher sends index events.
type Publisher struct {
	s *session
}

func NewPublisher(url string) (*Publisher, error) {
	s, err := open(url, 0)
	if err != nil {
		return nil, err
	}
	return &Publisher{s: s}, nil
}

// Stamp assigns an event ID and creation time when the producer left them empty.
func Stamp(ev *models.IndexEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
}

// PublishEvent stamps the event and publishes it as a persistent JSON message
// through the default exchange.
func (p *Publisher) PublishEvent(ctx context.Context, ev models.IndexEvent) error {
	Stamp(&ev)
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("queue: encode %s: %w", ev.Name, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         ev.Name,
		Timestamp:    ev.CreatedAt,
		Body:         body,
	}
	if err := p.s.channel.PublishWithContext(ctx, "", p.s.queue.Name, false, false, msg); err != nil {
		return fmt.Errorf("queue: publish %s: %w", ev.Name, err)
	}
	return nil
}

func (p *Publisher) Close() { p.s.close() }

// Consumer receives index events for the worker, one unacked message at a time.
type Consumer struct {
	s *session
}

func NewConsumer(url string) (*Consumer, error) {
	s, err := open(url, 1)
	if err != nil {
		return nil, err
	}
	return &Consumer{s: s}, nil
}

func (c *Consumer) Close() { c.s.close() }

// Delivery is a decoded event together with the handle needed to settle it.
type Delivery struct {
	Event models.IndexEvent
	raw   amqp.Delivery
}

// Ack confirms the event was applied.
func (d *Delivery) Ack() error { return d.raw.Ack(false) }

// Nack returns the event to the queue.
func (d *Delivery) Nack() error { return d.raw.Nack(false, true) }

// Discard drops the event without requeueing it.
func (d *Delivery) Discard() error { return d.raw.Nack(false, false) }

// Consume starts delivery with manual acks. Messages that fail to decode are
// discarded here and never reach the caller. The returned channel closes
// when the broker channel does.
func (c *Consumer) Consume() (<-chan Delivery, error) {
	msgs, err := c.s.channel.Consume(c.s.queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: consume: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for m := range msgs {
			ev, err := Decode(m.Body)
			if err != nil {
				slog.Warn("discarding undecodable message", "component", "queue", "message_id", m.MessageId, "error", err)
				m.Nack(false, false)
				continue
			}
			out <- Delivery{Event: ev, raw: m}
		}
	}()
	return out, nil
}

var errNoName = errors.New("event has no name")

// Decode parses a message body. An event without a name cannot be
// dispatched and is rejected.
func Decode(body []byte) (models.IndexEvent, error) {
	var ev models.IndexEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return models.IndexEvent{}, fmt.Errorf("queue: decode: %w", err)
	}
	if ev.Name == "" {
		return models.IndexEvent{}, fmt.Errorf("queue: decode: %w", errNoName)
	}
	return ev, nil
}
