// Package idempotency_repo reserves merchant Idempotency-Key headers so a
// replayed create returns the original intent.
package idempotency_repo

import (
	"context"
	"sync"
	"time"
)

type IdempotencyRepository interface {
	// Reserve binds key to intentID unless it is already bound. It returns the
	// intent the key is bound to and whether this call made the binding.
	Reserve(ctx context.Context, merchantID, key, intentID string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, merchantID, key string) error
}

type entry struct {
	intentID string
	expires  time.Time
}

type memoryRepository struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryRepository() IdempotencyRepository {
	return &memoryRepository{entries: map[string]entry{}, now: time.Now}
}

func Key(merchantID, key string) string {
	return "idempotency:" + merchantID + ":" + key
}

func (r *memoryRepository) Reserve(_ context.Context, merchantID, key, intentID string, ttl time.Duration) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := Key(merchantID, key)
	if e, ok := r.entries[k]; ok && r.now().Before(e.expires) {
		return e.intentID, false, nil
	}
	r.entries[k] = entry{intentID: intentID, expires: r.now().Add(ttl)}
	return intentID, true, nil
}

func (r *memoryRepository) Release(_ context.Context, merchantID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, Key(merchantID, key))
	return nil
}
