// Package events publishes membership outcomes to a RabbitMQ topic exchange.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange = "membership.events"

	RoutingApproved = "membership.approved"
	RoutingRejected = "membership.rejected"
)

// Outcome is the message body for a committed approval or rejection.
type Outcome struct {
	StagingID  string     `json:"staging_id"`
	OrderID    string     `json:"order_id"`
	Status     string     `json:"status"`
	Action     string     `json:"action"`
	Actor      string     `json:"actor"`
	CustomerID int64      `json:"customer_id,omitempty"`
	CardNo     string     `json:"card_no,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// RoutingKey maps the outcome to its topic.
func (o Outcome) RoutingKey() string {
	if o.Status == "rejected" {
		return RoutingRejected
	}
	return RoutingApproved
}

type Publisher interface {
	Publish(ctx context.Context, o Outcome) error
	Close() error
}

// NoopPublisher drops events. Used when no broker is configured.
type NoopPublisher struct {
	Log *slog.Logger
}

func (p NoopPublisher) Publish(ctx context.Context, o Outcome) error {
	if p.Log != nil {
		p.Log.Debug("event publish skipped", "routing_key", o.RoutingKey(), "staging_id", o.StagingID)
	}
	return nil
}

func (NoopPublisher) Close() error { return nil }

// AMQPPublisher publishes JSON messages to a durable topic exchange.
type AMQPPublisher struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("events: AMQP scheme must be amqp:// or amqps://")
	}
	return clean, nil
}

// DialAMQP connects and declares the exchange.
func DialAMQP(rawURL, exchange string) (*AMQPPublisher, error) {
	clean, err := sanitizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp091.DialConfig(clean, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declare(ch, exchange); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &AMQPPublisher{exchange: exchange, conn: conn, channel: ch}, nil
}

func declare(ch *amqp091.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	)
}

func (p *AMQPPublisher) Publish(ctx context.Context, o Outcome) error {
	body, err := json.Marshal(o)
	if err != nil {
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    o.StagingID,
		Timestamp:    o.OccurredAt,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, o.RoutingKey(), false, false, msg)
	if err == nil {
		return nil
	}

	// One retry on a fresh channel; a closed channel is the common failure.
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	if exErr := declare(ch, p.exchange); exErr != nil {
		_ = ch.Close()
		return errors.Join(err, exErr)
	}
	_ = p.channel.Close()
	p.channel = ch
	return p.channel.PublishWithContext(ctx, p.exchange, o.RoutingKey(), false, false, msg)
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

// Recorder keeps published outcomes in memory. Intended for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Outcome
	Err    error
}

func (r *Recorder) Publish(ctx context.Context, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, o)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outcome, len(r.events))
	copy(out, r.events)
	return out
}
