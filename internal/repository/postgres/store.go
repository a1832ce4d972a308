// Package postgres implements repository.Store on database/sql and lib/pq.
// Per-intent serialization is a SELECT ... FOR UPDATE on the intent row held
// for the duration of the transaction.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"paymentswitch/internal/domain"
	"paymentswitch/internal/repository"
)

const (
	uniqueViolation = "23505"

	// outboxClaimLease is how long claimed outbox rows stay hidden from other
	// publishers. Rows of a publisher that dies reappear once it runs out.
	outboxClaimLease = 30 * time.Second
)

func isUniqueViolation(err error) bool {
	var pgErr *pq.Error
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ repository.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) CreateIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	return insertIntent(ctx, s.db, intent)
}

func (s *Store) GetIntent(ctx context.Context, id string) (*domain.PaymentIntent, error) {
	return getIntent(ctx, s.db, id, false)
}

func (s *Store) ListAttempts(ctx context.Context, intentID string) ([]*domain.PaymentAttempt, error) {
	return listAttempts(ctx, s.db, intentID)
}

func (s *Store) FindAttemptByReference(ctx context.Context, connector, reference string) (*domain.PaymentAttempt, error) {
	return findAttemptByReference(ctx, s.db, connector, reference)
}

func (s *Store) InTx(ctx context.Context, intentID string, fn func(tx repository.IntentTx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for intent %s: %w", intentID, err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
		if err != nil {
			tx.Rollback()
		}
	}()

	intent, err := getIntent(ctx, tx, intentID, true)
	if err != nil {
		return err
	}
	attempts, err := listAttempts(ctx, tx, intentID)
	if err != nil {
		return err
	}

	itx := &intentTx{ctx: ctx, tx: tx, intent: intent, attempts: attempts}
	if err = fn(itx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction for intent %s: %w", intentID, err)
	}
	return nil
}

func (s *Store) WebhookSeen(ctx context.Context, connector, eventID string) (bool, error) {
	return webhookSeen(ctx, s.db, connector, eventID)
}

func (s *Store) RecordWebhook(ctx context.Context, rec *domain.WebhookInboxRecord) error {
	return recordWebhook(ctx, s.db, rec)
}

// GetPendingMessages claims the oldest pending messages for this publisher.
// Replicas polling together get disjoint batches.
func (s *Store) GetPendingMessages(ctx context.Context, limit int) (messages []domain.OutboxMessage, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin outbox claim transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := s.now()
	messages, err = claimPendingMessages(ctx, tx, limit, now, now.Add(outboxClaimLease))
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit outbox claim: %w", err)
	}
	return messages, nil
}

func (s *Store) MarkMessages(ctx context.Context, ids []string, status domain.OutboxMessageStatus) error {
	return markMessages(ctx, s.db, ids, status)
}

// intentTx runs every write directly inside the open *sql.Tx.
type intentTx struct {
	ctx      context.Context
	tx       *sql.Tx
	intent   *domain.PaymentIntent
	attempts []*domain.PaymentAttempt
}

func (t *intentTx) Intent() *domain.PaymentIntent { return t.intent.Clone() }

func (t *intentTx) Attempts() []*domain.PaymentAttempt {
	out := make([]*domain.PaymentAttempt, len(t.attempts))
	for i, a := range t.attempts {
		out[i] = a.Clone()
	}
	return out
}

func (t *intentTx) SaveIntent(intent *domain.PaymentIntent) error {
	if err := updateIntent(t.ctx, t.tx, intent); err != nil {
		return err
	}
	t.intent = intent.Clone()
	return nil
}

func (t *intentTx) InsertAttempt(a *domain.PaymentAttempt) error {
	if err := insertAttempt(t.ctx, t.tx, a); err != nil {
		return err
	}
	t.attempts = append(t.attempts, a.Clone())
	return nil
}

func (t *intentTx) UpdateAttempt(a *domain.PaymentAttempt) error {
	if err := updateAttempt(t.ctx, t.tx, a); err != nil {
		return err
	}
	for i := range t.attempts {
		if t.attempts[i].ID == a.ID {
			t.attempts[i] = a.Clone()
		}
	}
	return nil
}

func (t *intentTx) Enqueue(msg *domain.OutboxMessage) error {
	return createMessage(t.ctx, t.tx, msg)
}

func (t *intentTx) RecordWebhook(rec *domain.WebhookInboxRecord) error {
	return recordWebhook(t.ctx, t.tx, rec)
}
