package idempotency_repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository_Reserve(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	repo := &memoryRepository{entries: map[string]entry{}, now: func() time.Time { return now }}
	ctx := context.Background()

	id, reserved, err := repo.Reserve(ctx, "acme", "key-1", "pay_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, "pay_1", id)

	id, reserved, err = repo.Reserve(ctx, "acme", "key-1", "pay_2", time.Minute)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "pay_1", id)

	// Keys are scoped per merchant.
	_, reserved, err = repo.Reserve(ctx, "globex", "key-1", "pay_3", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)

	now = now.Add(2 * time.Minute)
	id, reserved, err = repo.Reserve(ctx, "acme", "key-1", "pay_4", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved, "expired keys can be reused")
	assert.Equal(t, "pay_4", id)

	require.NoError(t, repo.Release(ctx, "acme", "key-1"))
	_, reserved, err = repo.Reserve(ctx, "acme", "key-1", "pay_5", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)
}
