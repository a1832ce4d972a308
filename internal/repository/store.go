// Package repository defines the persistence contract for intents, attempts,
// the webhook inbox and the event outbox. Implementations live in postgres
// and memory.
package repository

import (
	"context"
	"errors"

	"paymentswitch/internal/domain"
)

var (
	ErrAttemptNotFound = errors.New("payment attempt not found")
	ErrIntentExists    = errors.New("payment intent already exists")
)

// IntentTx is the view of one intent inside its serialization scope. Writes
// become visible only when the InTx callback returns nil.
type IntentTx interface {
	// Intent returns the locked intent. Callers mutate a clone and pass it
	// to SaveIntent.
	Intent() *domain.PaymentIntent
	Attempts() []*domain.PaymentAttempt
	SaveIntent(intent *domain.PaymentIntent) error
	InsertAttempt(attempt *domain.PaymentAttempt) error
	UpdateAttempt(attempt *domain.PaymentAttempt) error
	Enqueue(msg *domain.OutboxMessage) error
	// RecordWebhook returns domain.ErrWebhookDuplicate when (connector,
	// event id) was recorded before.
	RecordWebhook(rec *domain.WebhookInboxRecord) error
}

type Store interface {
	CreateIntent(ctx context.Context, intent *domain.PaymentIntent) error
	// GetIntent returns domain.ErrIntentNotFound for unknown ids.
	GetIntent(ctx context.Context, id string) (*domain.PaymentIntent, error)
	ListAttempts(ctx context.Context, intentID string) ([]*domain.PaymentAttempt, error)
	FindAttemptByReference(ctx context.Context, connector, reference string) (*domain.PaymentAttempt, error)

	// InTx runs fn with the intent locked against every other InTx on the
	// same id. Acquiring the lock honours ctx.
	InTx(ctx context.Context, intentID string, fn func(tx IntentTx) error) error

	WebhookSeen(ctx context.Context, connector, eventID string) (bool, error)
	RecordWebhook(ctx context.Context, rec *domain.WebhookInboxRecord) error

	OutboxRepository
}

// OutboxRepository is the part of the store the outbox processor drains.
type OutboxRepository interface {
	GetPendingMessages(ctx context.Context, limit int) ([]domain.OutboxMessage, error)
	MarkMessages(ctx context.Context, ids []string, status domain.OutboxMessageStatus) error
}
