// Package rabbitmq publishes outbox events to a RabbitMQ topic exchange as an
// alternative to Kafka.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"paymentswitch/internal/domain"
)

const ExchangeName = "payments"

type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *zap.Logger
	mu      sync.Mutex
}

func NewPublisher(amqpURL string, logger *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &Publisher{conn: conn, channel: channel, logger: logger}, nil
}

// Publish sends msg with the message type as routing key and waits for the
// broker to confirm it.
func (p *Publisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
		ExchangeName,
		msg.MessageType,
		false, // mandatory
		false, // immediate
		toPublishing(msg),
	)
	if err != nil {
		return fmt.Errorf("failed to publish message %s: %w", msg.ID, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm message %s: %w", msg.ID, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message %s", msg.ID)
	}
	p.logger.Debug("Message published to RabbitMQ",
		zap.String("message_id", msg.ID),
		zap.String("routing_key", msg.MessageType))
	return nil
}

func toPublishing(msg domain.OutboxMessage) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.MessageType,
		Timestamp:    msg.CreatedAt,
		Headers: amqp.Table{
			"aggregate_id":   msg.AggregateID,
			"aggregate_type": msg.AggregateType,
			"key":            msg.Key,
		},
		Body: msg.Payload,
	}
}

func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
