package kafka_infra

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"paymentswitch/internal/domain"
)

type Producer interface {
	Publish(ctx context.Context, msg domain.OutboxMessage) error
	Close() error
}

type kafkaProducer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewProducer returns a synchronous producer: Publish returns only once all
// in-sync replicas have the message, so the outbox marks it sent safely.
func NewProducer(brokerURLs []string, logger *zap.Logger) Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokerURLs...),
		Balancer:               &kafka.Hash{},
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		AllowAutoTopicCreation: false,
		Logger:                 kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:            kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	}

	return &kafkaProducer{
		writer: writer,
		logger: logger,
	}
}

func (p *kafkaProducer) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	produceCtx, cancel := context.WithTimeout(ctx, p.writer.WriteTimeout)
	defer cancel()

	err := p.writer.WriteMessages(produceCtx, toKafkaMessage(msg))
	if err != nil {
		p.logger.Error("Failed to produce message to Kafka",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.Error(err),
		)
		return fmt.Errorf("failed to produce message to Kafka: %w", err)
	}
	p.logger.Debug("Message produced to Kafka successfully",
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
	)
	return nil
}

func toKafkaMessage(msg domain.OutboxMessage) kafka.Message {
	return kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(msg.ID)},
			{Key: "message_type", Value: []byte(msg.MessageType)},
			{Key: "aggregate_type", Value: []byte(msg.AggregateType)},
		},
		Time: msg.CreatedAt,
	}
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}
