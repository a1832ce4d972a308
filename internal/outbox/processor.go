// Package outbox publishes intent status events that were written in the
// same transaction as the status change.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"paymentswitch/internal/domain"
	"paymentswitch/internal/repository"
)

// Publisher delivers one message to a broker and returns once the broker
// has it.
type Publisher interface {
	Publish(ctx context.Context, msg domain.OutboxMessage) error
}

type Processor struct {
	outboxRepo   repository.OutboxRepository
	publisher    Publisher
	batchSize    int
	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       *zap.Logger
}

func NewProcessor(
	outboxRepo repository.OutboxRepository,
	publisher Publisher,
	pollInterval time.Duration,
	pollTimeout time.Duration,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		outboxRepo:   outboxRepo,
		publisher:    publisher,
		batchSize:    50,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		logger:       logger,
	}
}

// Start polls until ctx ends.
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("Starting outbox processor...", zap.Duration("poll_interval", p.pollInterval))
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox processor stopped")
			return
		case <-ticker.C:
			p.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce publishes one batch of pending messages in creation order and
// returns how many were sent. It stops at the first failure so events for
// one intent keep their order.
func (p *Processor) ProcessOnce(ctx context.Context) int {
	queryCtx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	defer cancel()

	messages, err := p.outboxRepo.GetPendingMessages(queryCtx, p.batchSize)
	if err != nil {
		p.logger.Error("Failed to get pending outbox messages", zap.Error(err))
		return 0
	}
	if len(messages) == 0 {
		p.logger.Debug("No pending outbox messages found.")
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if err := p.publisher.Publish(ctx, msg); err != nil {
			p.logger.Error("Failed to publish outbox message",
				zap.String("message_id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.Error(err))
			break
		}

		markCtx, cancel := context.WithTimeout(ctx, p.pollTimeout)
		err := p.outboxRepo.MarkMessages(markCtx, []string{msg.ID}, domain.OutboxStatusSent)
		cancel()
		if err != nil {
			p.logger.Error("Failed to mark outbox message as SENT", zap.String("message_id", msg.ID), zap.Error(err))
			break
		}
		sent++
	}

	p.logger.Info("Outbox batch processed", zap.Int("pending", len(messages)), zap.Int("sent", sent))
	return sent
}
