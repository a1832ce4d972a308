package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paymentswitch/internal/domain"
	"paymentswitch/internal/lifecycle"
	"paymentswitch/internal/repository"
)

func seed(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateIntent(context.Background(), &domain.PaymentIntent{
		ID:     id,
		Amount: 1000,
		Status: lifecycle.StatusRequiresConfirmation,
	}))
}

func TestInTx_SerializesPerIntent(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seed(t, s, "pay_1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(context.Background(), "pay_1", func(tx repository.IntentTx) error {
				intent := tx.Intent()
				intent.AttemptCount++
				return tx.SaveIntent(intent)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetIntent(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.Equal(t, 50, got.AttemptCount)
}

func TestInTx_ErrorDiscardsWrites(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seed(t, s, "pay_1")
	boom := errors.New("boom")

	err := s.InTx(context.Background(), "pay_1", func(tx repository.IntentTx) error {
		intent := tx.Intent()
		intent.Status = lifecycle.StatusFailed
		require.NoError(t, tx.SaveIntent(intent))
		require.NoError(t, tx.InsertAttempt(&domain.PaymentAttempt{ID: "pay_1_1", IntentID: "pay_1", Seq: 1}))
		require.NoError(t, tx.Enqueue(&domain.OutboxMessage{ID: "m1", Status: domain.OutboxStatusPending}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetIntent(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusRequiresConfirmation, got.Status)
	attempts, err := s.ListAttempts(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.Empty(t, attempts)
	assert.Empty(t, s.Outbox())
}

func TestInTx_CommitsAttemptsAndReferences(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seed(t, s, "pay_1")
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, "pay_1", func(tx repository.IntentTx) error {
		a := &domain.PaymentAttempt{ID: "pay_1_1", IntentID: "pay_1", Seq: 1, Connector: "sandbox", Status: lifecycle.AttemptStarted}
		if err := tx.InsertAttempt(a); err != nil {
			return err
		}
		a.Status = lifecycle.AttemptAuthorized
		a.ConnectorReference = "tx123"
		return tx.UpdateAttempt(a)
	}))

	found, err := s.FindAttemptByReference(ctx, "sandbox", "tx123")
	require.NoError(t, err)
	assert.Equal(t, "pay_1_1", found.ID)
	assert.Equal(t, lifecycle.AttemptAuthorized, found.Status)

	_, err = s.FindAttemptByReference(ctx, "other", "tx123")
	assert.ErrorIs(t, err, repository.ErrAttemptNotFound)
}

func TestInTx_UnknownIntent(t *testing.T) {
	t.Parallel()

	err := NewStore().InTx(context.Background(), "missing", func(repository.IntentTx) error { return nil })
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)
}

func TestInTx_LockWaitHonoursContext(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seed(t, s, "pay_1")

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.InTx(context.Background(), "pay_1", func(repository.IntentTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.InTx(ctx, "pay_1", func(repository.IntentTx) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	assert.Eventually(t, func() bool {
		return s.InTx(context.Background(), "pay_1", func(repository.IntentTx) error { return nil }) == nil
	}, time.Second, 5*time.Millisecond)
}

func lockEntries(s *Store) int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return len(s.locks)
}

func TestInTx_ReleasesLockEntries(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ids := []string{"pay_1", "pay_2", "pay_3"}
	for _, id := range ids {
		seed(t, s, id)
	}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := s.InTx(context.Background(), id, func(tx repository.IntentTx) error {
				intent := tx.Intent()
				intent.AttemptCount++
				return tx.SaveIntent(intent)
			})
			assert.NoError(t, err)
		}(ids[i%len(ids)])
	}
	wg.Wait()
	assert.Zero(t, lockEntries(s))

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.InTx(context.Background(), "pay_1", func(repository.IntentTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.InTx(ctx, "pay_1", func(repository.IntentTx) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, lockEntries(s), "the holder keeps its entry")

	close(release)
	<-done
	assert.Zero(t, lockEntries(s))

	err = s.InTx(context.Background(), "pay_missing", func(repository.IntentTx) error { return nil })
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)
	assert.Zero(t, lockEntries(s))
}

func TestWebhookInbox(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seed(t, s, "pay_1")
	ctx := context.Background()
	rec := &domain.WebhookInboxRecord{Connector: "sandbox", EventID: "evt_1", Status: domain.WebhookInboxApplied}

	require.NoError(t, s.InTx(ctx, "pay_1", func(tx repository.IntentTx) error {
		return tx.RecordWebhook(rec)
	}))
	seen, err := s.WebhookSeen(ctx, "sandbox", "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	err = s.InTx(ctx, "pay_1", func(tx repository.IntentTx) error {
		return tx.RecordWebhook(rec)
	})
	assert.ErrorIs(t, err, domain.ErrWebhookDuplicate)
	assert.ErrorIs(t, s.RecordWebhook(ctx, rec), domain.ErrWebhookDuplicate)
}

func TestOutbox(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seed(t, s, "pay_1")
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, "pay_1", func(tx repository.IntentTx) error {
		for _, id := range []string{"m1", "m2", "m3"} {
			if err := tx.Enqueue(&domain.OutboxMessage{ID: id, Status: domain.OutboxStatusPending}); err != nil {
				return err
			}
		}
		return nil
	}))

	pending, err := s.GetPendingMessages(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "m1", pending[0].ID)

	require.NoError(t, s.MarkMessages(ctx, []string{"m1", "m2"}, domain.OutboxStatusSent))
	pending, err = s.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "m3", pending[0].ID)

	assert.Error(t, s.MarkMessages(ctx, []string{"nope"}, domain.OutboxStatusSent))
}
