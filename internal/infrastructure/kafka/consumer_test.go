package kafka_infra

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeReader hands out msgs in order, then blocks until ctx ends.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	fetched   int
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.fetched < len(r.msgs) {
		msg := r.msgs[r.fetched]
		r.fetched++
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func newTestConsumer(t *testing.T, reader messageReader) *kafkaConsumer {
	return &kafkaConsumer{
		reader:     reader,
		logger:     zaptest.NewLogger(t),
		topic:      "payments.webhooks",
		groupID:    "paymentswitch",
		backoff:    time.Millisecond,
		maxBackoff: 4 * time.Millisecond,
	}
}

func TestConsumer_RetriesFailedMessageBeforeNext(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{msgs: []kafka.Message{{Offset: 1}, {Offset: 2}}}
	c := newTestConsumer(t, reader)

	var (
		mu      sync.Mutex
		handled []int64
	)
	failures := 3
	handler := func(_ context.Context, msg kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, msg.Offset)
		if msg.Offset == 1 && failures > 0 {
			failures--
			return errors.New("store unavailable")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, handler) }()

	require.Eventually(t, func() bool { return len(reader.Committed()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2}, reader.Committed())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 1, 1, 1, 2}, handled)
}

func TestConsumer_StopsRetryingWhenContextEnds(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{msgs: []kafka.Message{{Offset: 7}}}
	c := newTestConsumer(t, reader)

	ctx, cancel := context.WithCancel(context.Background())
	calls := make(chan struct{}, 100)
	handler := func(context.Context, kafka.Message) error {
		select {
		case calls <- struct{}{}:
		default:
		}
		return errors.New("store unavailable")
	}

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, handler) }()

	<-calls
	<-calls
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	assert.Empty(t, reader.Committed())
}
