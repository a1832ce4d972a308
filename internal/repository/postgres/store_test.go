package postgres

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"paymentswitch/internal/domain"
	"paymentswitch/internal/infrastructure/database"
	"paymentswitch/internal/lifecycle"
	"paymentswitch/internal/repository"
)

// testDB is nil when no container runtime is available.
var testDB *sql.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}
	ctx := context.Background()

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "switch",
				"POSTGRES_PASSWORD": "switch",
				"POSTGRES_DB":       "payments_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(m.Run())
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}
	portNum, _ := strconv.Atoi(port.Port())

	cfg := database.DBConfig{
		Host:     host,
		Port:     portNum,
		User:     "switch",
		Password: "switch",
		DBName:   "payments_test",
		SSLMode:  "disable",
	}
	testDB, err = database.ConnectWithRetry(ctx, cfg, 5, time.Second, zap.NewNop())
	if err == nil {
		err = database.RunMigrations("file://../../../migrations", cfg, zap.NewNop())
	}
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "failed to prepare database: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	_ = testDB.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func requireStore(t *testing.T) *Store {
	t.Helper()
	if testDB == nil {
		t.Skip("postgres container not available")
	}
	return NewStore(testDB)
}

var idSeq struct {
	sync.Mutex
	n int
}

func nextID(prefix string) string {
	idSeq.Lock()
	defer idSeq.Unlock()
	idSeq.n++
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), idSeq.n)
}

func newIntent(t *testing.T, s *Store) *domain.PaymentIntent {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	intent := &domain.PaymentIntent{
		ID:            nextID("pay"),
		MerchantID:    "acme",
		Amount:        2500,
		Currency:      "EUR",
		CaptureMethod: domain.CaptureManual,
		PaymentMethod: "card",
		Metadata:      map[string]string{"order": "42"},
		Status:        lifecycle.StatusRequiresConfirmation,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.CreateIntent(context.Background(), intent))
	return intent
}

func TestStore_CreateAndGetIntent(t *testing.T) {
	s := requireStore(t)
	ctx := context.Background()
	intent := newIntent(t, s)

	got, err := s.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.Amount, got.Amount)
	assert.Equal(t, intent.Status, got.Status)
	assert.Equal(t, map[string]string{"order": "42"}, got.Metadata)
	assert.WithinDuration(t, intent.CreatedAt, got.CreatedAt, time.Millisecond)

	err = s.CreateIntent(ctx, intent)
	assert.ErrorIs(t, err, repository.ErrIntentExists)

	_, err = s.GetIntent(ctx, "pay_missing")
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)
}

func TestStore_InTxCommitsAttemptAndOutbox(t *testing.T) {
	s := requireStore(t)
	ctx := context.Background()
	intent := newIntent(t, s)
	now := time.Now().UTC()
	msgID := nextID("msg")

	err := s.InTx(ctx, intent.ID, func(tx repository.IntentTx) error {
		in := tx.Intent()
		in.Status = lifecycle.StatusProcessing
		in.AttemptCount = 1
		if err := tx.SaveIntent(in); err != nil {
			return err
		}
		if err := tx.InsertAttempt(&domain.PaymentAttempt{
			ID:                 intent.ID + "_1",
			IntentID:           intent.ID,
			Seq:                1,
			Connector:          "sandbox",
			ConnectorAccountID: "acc_a",
			IdempotencyKey:     intent.ID + "_1",
			Status:             lifecycle.AttemptProcessing,
			RoutingReason:      "algorithm=single candidate=1/1",
			CreatedAt:          now,
			UpdatedAt:          now,
		}); err != nil {
			return err
		}
		return tx.Enqueue(&domain.OutboxMessage{
			ID:            msgID,
			AggregateID:   intent.ID,
			AggregateType: domain.AggregatePaymentIntent,
			MessageType:   domain.MessagePaymentStatusChanged,
			Topic:         "payments.status",
			Key:           intent.ID,
			Payload:       []byte(`{}`),
			Status:        domain.OutboxStatusPending,
			CreatedAt:     now,
		})
	})
	require.NoError(t, err)

	got, err := s.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusProcessing, got.Status)

	attempts, err := s.ListAttempts(ctx, intent.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, lifecycle.AttemptProcessing, attempts[0].Status)

	err = s.InTx(ctx, intent.ID, func(tx repository.IntentTx) error {
		a := tx.Attempts()[0]
		a.Status = lifecycle.AttemptAuthorized
		a.ConnectorReference = "tx_" + intent.ID
		return tx.UpdateAttempt(a)
	})
	require.NoError(t, err)

	found, err := s.FindAttemptByReference(ctx, "sandbox", "tx_"+intent.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.ID, found.IntentID)
	_, err = s.FindAttemptByReference(ctx, "sandbox", "tx_unknown")
	assert.ErrorIs(t, err, repository.ErrAttemptNotFound)

	pending, err := s.GetPendingMessages(ctx, 1000)
	require.NoError(t, err)
	var ids []string
	for _, m := range pending {
		ids = append(ids, m.ID)
	}
	assert.Contains(t, ids, msgID)
	require.NoError(t, s.MarkMessages(ctx, []string{msgID}, domain.OutboxStatusSent))

	pending, err = s.GetPendingMessages(ctx, 1000)
	require.NoError(t, err)
	for _, m := range pending {
		assert.NotEqual(t, msgID, m.ID)
	}
}

func TestStore_PendingMessagesAreClaimedOnce(t *testing.T) {
	s := requireStore(t)
	ctx := context.Background()
	intent := newIntent(t, s)
	now := time.Now().UTC()

	ours := map[string]bool{}
	err := s.InTx(ctx, intent.ID, func(tx repository.IntentTx) error {
		for i := 0; i < 6; i++ {
			id := nextID("msg")
			ours[id] = true
			if err := tx.Enqueue(&domain.OutboxMessage{
				ID:            id,
				AggregateID:   intent.ID,
				AggregateType: domain.AggregatePaymentIntent,
				MessageType:   domain.MessagePaymentStatusChanged,
				Topic:         "payments.status",
				Key:           intent.ID,
				Payload:       []byte(`{}`),
				Status:        domain.OutboxStatusPending,
				CreatedAt:     now.Add(time.Duration(i) * time.Millisecond),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]int{}
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err := s.GetPendingMessages(ctx, 1000)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, m := range msgs {
				claimed[m.ID]++
			}
		}()
	}
	wg.Wait()

	for id := range ours {
		assert.Equal(t, 1, claimed[id], "message %s", id)
	}

	again, err := s.GetPendingMessages(ctx, 1000)
	require.NoError(t, err)
	for _, m := range again {
		assert.False(t, ours[m.ID], "claimed message %s returned again", m.ID)
	}

	expired := NewStore(testDB)
	expired.now = func() time.Time { return time.Now().Add(2 * outboxClaimLease) }
	reclaimed, err := expired.GetPendingMessages(ctx, 1000)
	require.NoError(t, err)
	n := 0
	for _, m := range reclaimed {
		if ours[m.ID] {
			n++
		}
	}
	assert.Equal(t, len(ours), n, "expired claims are picked up again")
}

func TestStore_InTxRollsBackOnError(t *testing.T) {
	s := requireStore(t)
	ctx := context.Background()
	intent := newIntent(t, s)

	err := s.InTx(ctx, intent.ID, func(tx repository.IntentTx) error {
		in := tx.Intent()
		in.Status = lifecycle.StatusFailed
		require.NoError(t, tx.SaveIntent(in))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	got, err := s.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusRequiresConfirmation, got.Status)
}

func TestStore_OneInFlightAttemptPerIntent(t *testing.T) {
	s := requireStore(t)
	ctx := context.Background()
	intent := newIntent(t, s)
	now := time.Now().UTC()

	insert := func(seq int) error {
		return s.InTx(ctx, intent.ID, func(tx repository.IntentTx) error {
			id := fmt.Sprintf("%s_%d", intent.ID, seq)
			return tx.InsertAttempt(&domain.PaymentAttempt{
				ID: id, IntentID: intent.ID, Seq: seq, Connector: "sandbox", ConnectorAccountID: "acc_a",
				IdempotencyKey: id, Status: lifecycle.AttemptStarted, CreatedAt: now, UpdatedAt: now,
			})
		})
	}
	require.NoError(t, insert(1))
	assert.Error(t, insert(2))
}

func TestStore_InTxSerializesPerIntent(t *testing.T) {
	s := requireStore(t)
	ctx := context.Background()
	intent := newIntent(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, intent.ID, func(tx repository.IntentTx) error {
				in := tx.Intent()
				in.AttemptCount++
				return tx.SaveIntent(in)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.AttemptCount)
}

func TestStore_WebhookInboxDedupe(t *testing.T) {
	s := requireStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	eventID := nextID("evt")

	seen, err := s.WebhookSeen(ctx, "sandbox", eventID)
	require.NoError(t, err)
	assert.False(t, seen)

	rec := &domain.WebhookInboxRecord{
		Connector:   "sandbox",
		EventID:     eventID,
		MerchantID:  "acme",
		Status:      domain.WebhookInboxUnmatched,
		Payload:     []byte(`{}`),
		ReceivedAt:  now,
		ProcessedAt: now,
	}
	require.NoError(t, s.RecordWebhook(ctx, rec))
	assert.ErrorIs(t, s.RecordWebhook(ctx, rec), domain.ErrWebhookDuplicate)

	seen, err = s.WebhookSeen(ctx, "sandbox", eventID)
	require.NoError(t, err)
	assert.True(t, seen)
}
