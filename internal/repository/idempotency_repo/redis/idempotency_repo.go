package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"paymentswitch/internal/repository/idempotency_repo"
)

type IdempotencyRepository struct {
	client redis.UniversalClient
}

func NewIdempotencyRepository(client redis.UniversalClient) *IdempotencyRepository {
	return &IdempotencyRepository{client: client}
}

func (r *IdempotencyRepository) Reserve(ctx context.Context, merchantID, key, intentID string, ttl time.Duration) (string, bool, error) {
	k := idempotency_repo.Key(merchantID, key)
	ok, err := r.client.SetNX(ctx, k, intentID, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to reserve idempotency key %s: %w", k, err)
	}
	if ok {
		return intentID, true, nil
	}
	existing, err := r.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		ok, err = r.client.SetNX(ctx, k, intentID, ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("failed to reserve idempotency key %s: %w", k, err)
		}
		if ok {
			return intentID, true, nil
		}
		existing, err = r.client.Get(ctx, k).Result()
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read idempotency key %s: %w", k, err)
	}
	return existing, false, nil
}

func (r *IdempotencyRepository) Release(ctx context.Context, merchantID, key string) error {
	if err := r.client.Del(ctx, idempotency_repo.Key(merchantID, key)).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
