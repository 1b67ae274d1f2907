package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	paymentdomain "github.com/sokoline/sokopay/internal/payment/domain"
	"go.uber.org/zap"
)

const (
	exchangeName = "payments"
	routingKey   = "payment.status_changed"
)

// statusChangeMessage is the wire shape of one status-change event.
type statusChangeMessage struct {
	paymentdomain.StatusChange
	OccurredAt time.Time `json:"occurred_at"`
}

// AMQPPublisher delivers status-change events to the payments exchange.
// Publishing is best effort; the orchestrator logs failures and moves on.
type AMQPPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *zap.Logger
}

func NewAMQPPublisher(amqpURL string, log *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		exchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQPPublisher{
		conn:    conn,
		channel: channel,
		log:     log.Named("events.amqp"),
	}, nil
}

func (p *AMQPPublisher) PublishStatusChange(ctx context.Context, change paymentdomain.StatusChange) error {
	body, err := json.Marshal(statusChangeMessage{
		StatusChange: change,
		OccurredAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal status change: %w", err)
	}

	if err := p.channel.PublishWithContext(ctx,
		exchangeName,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	); err != nil {
		return fmt.Errorf("publish status change: %w", err)
	}

	p.log.Debug("status change published",
		zap.Int64("payment_id", change.PaymentID.Int64()),
		zap.String("new_status", string(change.NewStatus)),
	)
	return nil
}

func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NoopPublisher drops events. Used when no broker is configured and in
// tests.
type NoopPublisher struct{}

func (NoopPublisher) PublishStatusChange(ctx context.Context, change paymentdomain.StatusChange) error {
	return nil
}
