// Package memory is an in-process Store used for tests and single-node
// deployments without Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"paymentswitch/internal/domain"
	"paymentswitch/internal/repository"
)

type Store struct {
	mu       sync.RWMutex
	intents  map[string]*domain.PaymentIntent
	attempts map[string][]*domain.PaymentAttempt
	refs     map[string]string
	inbox    map[string]*domain.WebhookInboxRecord
	outbox   []*domain.OutboxMessage

	locksMu sync.Mutex
	locks   map[string]*intentLock
}

// intentLock is a one-slot channel shared by everyone holding or waiting for
// an intent. The entry is dropped when refs reaches zero.
type intentLock struct {
	ch   chan struct{}
	refs int
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		intents:  map[string]*domain.PaymentIntent{},
		attempts: map[string][]*domain.PaymentAttempt{},
		refs:     map[string]string{},
		inbox:    map[string]*domain.WebhookInboxRecord{},
		locks:    map[string]*intentLock{},
	}
}

func refKey(connector, reference string) string { return connector + "\x00" + reference }

func (s *Store) CreateIntent(_ context.Context, intent *domain.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[intent.ID]; ok {
		return fmt.Errorf("%w: %s", repository.ErrIntentExists, intent.ID)
	}
	s.intents[intent.ID] = intent.Clone()
	return nil
}

func (s *Store) GetIntent(_ context.Context, id string) (*domain.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intent, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrIntentNotFound, id)
	}
	return intent.Clone(), nil
}

func (s *Store) ListAttempts(_ context.Context, intentID string) ([]*domain.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAttempts(s.attempts[intentID]), nil
}

func (s *Store) FindAttemptByReference(_ context.Context, connector, reference string) (*domain.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.refs[refKey(connector, reference)]
	if ok {
		for _, list := range s.attempts {
			for _, a := range list {
				if a.ID == id {
					return a.Clone(), nil
				}
			}
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", repository.ErrAttemptNotFound, connector, reference)
}

// lock acquires the per-intent slot. It is a one-slot channel rather than a
// mutex so waiting can be abandoned when ctx ends.
func (s *Store) lock(ctx context.Context, id string) (func(), error) {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &intentLock{ch: make(chan struct{}, 1)}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			s.release(id, l)
		}, nil
	case <-ctx.Done():
		s.release(id, l)
		return nil, ctx.Err()
	}
}

func (s *Store) release(id string, l *intentLock) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, id)
	}
}

func (s *Store) InTx(ctx context.Context, intentID string, fn func(tx repository.IntentTx) error) error {
	unlock, err := s.lock(ctx, intentID)
	if err != nil {
		return fmt.Errorf("failed to lock intent %s: %w", intentID, err)
	}
	defer unlock()

	s.mu.RLock()
	intent, ok := s.intents[intentID]
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("%w: %s", domain.ErrIntentNotFound, intentID)
	}
	tx := &intentTx{
		store:    s,
		intent:   intent.Clone(),
		attempts: cloneAttempts(s.attempts[intentID]),
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *Store) WebhookSeen(_ context.Context, connector, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbox[refKey(connector, eventID)]
	return ok, nil
}

func (s *Store) RecordWebhook(_ context.Context, rec *domain.WebhookInboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordWebhookLocked(rec)
}

func (s *Store) recordWebhookLocked(rec *domain.WebhookInboxRecord) error {
	key := refKey(rec.Connector, rec.EventID)
	if _, ok := s.inbox[key]; ok {
		return fmt.Errorf("%w: %s/%s", domain.ErrWebhookDuplicate, rec.Connector, rec.EventID)
	}
	cp := *rec
	s.inbox[key] = &cp
	return nil
}

func (s *Store) GetPendingMessages(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.OutboxMessage
	for _, msg := range s.outbox {
		if msg.Status != domain.OutboxStatusPending {
			continue
		}
		out = append(out, *msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkMessages(_ context.Context, ids []string, status domain.OutboxMessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	now := time.Now()
	marked := 0
	for _, msg := range s.outbox {
		if !want[msg.ID] {
			continue
		}
		msg.Status = status
		if status == domain.OutboxStatusSent {
			msg.SentAt = &now
		} else {
			msg.SentAt = nil
		}
		marked++
	}
	if marked != len(ids) {
		return fmt.Errorf("not all outbox messages were marked as %s; expected %d, got %d", status, len(ids), marked)
	}
	return nil
}

// Outbox returns every outbox message in insertion order.
func (s *Store) Outbox() []domain.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.OutboxMessage, len(s.outbox))
	for i, msg := range s.outbox {
		out[i] = *msg
	}
	return out
}

type intentTx struct {
	store    *Store
	intent   *domain.PaymentIntent
	attempts []*domain.PaymentAttempt

	saved    *domain.PaymentIntent
	inserted []*domain.PaymentAttempt
	updated  map[string]*domain.PaymentAttempt
	outbox   []*domain.OutboxMessage
	webhooks []*domain.WebhookInboxRecord
}

func (t *intentTx) Intent() *domain.PaymentIntent {
	if t.saved != nil {
		return t.saved.Clone()
	}
	return t.intent.Clone()
}

func (t *intentTx) Attempts() []*domain.PaymentAttempt {
	return cloneAttempts(t.attempts)
}

func (t *intentTx) SaveIntent(intent *domain.PaymentIntent) error {
	if intent.ID != t.intent.ID {
		return fmt.Errorf("intent %s saved inside the scope of %s", intent.ID, t.intent.ID)
	}
	t.saved = intent.Clone()
	return nil
}

func (t *intentTx) InsertAttempt(a *domain.PaymentAttempt) error {
	for _, existing := range t.attempts {
		if existing.ID == a.ID {
			return fmt.Errorf("attempt %s already exists", a.ID)
		}
	}
	cp := a.Clone()
	t.attempts = append(t.attempts, cp)
	t.inserted = append(t.inserted, cp)
	return nil
}

func (t *intentTx) UpdateAttempt(a *domain.PaymentAttempt) error {
	for i, existing := range t.attempts {
		if existing.ID == a.ID {
			cp := a.Clone()
			t.attempts[i] = cp
			if t.updated == nil {
				t.updated = map[string]*domain.PaymentAttempt{}
			}
			t.updated[a.ID] = cp
			return nil
		}
	}
	return fmt.Errorf("%w: %s", repository.ErrAttemptNotFound, a.ID)
}

func (t *intentTx) Enqueue(msg *domain.OutboxMessage) error {
	cp := *msg
	t.outbox = append(t.outbox, &cp)
	return nil
}

func (t *intentTx) RecordWebhook(rec *domain.WebhookInboxRecord) error {
	t.store.mu.RLock()
	_, seen := t.store.inbox[refKey(rec.Connector, rec.EventID)]
	t.store.mu.RUnlock()
	if seen {
		return fmt.Errorf("%w: %s/%s", domain.ErrWebhookDuplicate, rec.Connector, rec.EventID)
	}
	for _, pending := range t.webhooks {
		if pending.Connector == rec.Connector && pending.EventID == rec.EventID {
			return fmt.Errorf("%w: %s/%s", domain.ErrWebhookDuplicate, rec.Connector, rec.EventID)
		}
	}
	cp := *rec
	t.webhooks = append(t.webhooks, &cp)
	return nil
}

func (t *intentTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range t.webhooks {
		if err := s.recordWebhookLocked(rec); err != nil {
			return err
		}
	}
	if t.saved != nil {
		s.intents[t.saved.ID] = t.saved
	}
	id := t.intent.ID
	s.attempts[id] = append(s.attempts[id], t.inserted...)
	for _, a := range s.attempts[id] {
		if upd, ok := t.updated[a.ID]; ok {
			*a = *upd
		}
	}
	for _, a := range s.attempts[id] {
		if a.ConnectorReference != "" {
			s.refs[refKey(a.Connector, a.ConnectorReference)] = a.ID
		}
	}
	s.outbox = append(s.outbox, t.outbox...)
	return nil
}

func cloneAttempts(list []*domain.PaymentAttempt) []*domain.PaymentAttempt {
	out := make([]*domain.PaymentAttempt, len(list))
	for i, a := range list {
		out[i] = a.Clone()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
