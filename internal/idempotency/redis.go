package idempotency

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// keyPrefix namespaces idempotency keys in Redis.
const keyPrefix = "minibank:idempotency:"

// RedisGuard stores request bindings in Redis with the validity window as
// TTL, so expiry is enforced by the store itself. SET NX makes the
// test-and-set atomic across service instances.
type RedisGuard struct {
	rdb *redis.Client
}

func NewRedisGuard(rdb *redis.Client) *RedisGuard {
	return &RedisGuard{rdb: rdb}
}

func (g *RedisGuard) RegisterIfAbsent(ctx context.Context, requestID string, paymentID uuid.UUID) (uuid.UUID, bool, error) {
	key := keyPrefix + requestID

	created, err := g.rdb.SetNX(ctx, key, paymentID.String(), Window).Result()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("idempotency setnx: %w", err)
	}
	if created {
		return paymentID, true, nil
	}

	val, err := g.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// Binding expired between SETNX and GET; treat as created by retrying once.
		if retried, err := g.rdb.SetNX(ctx, key, paymentID.String(), Window).Result(); err == nil && retried {
			return paymentID, true, nil
		}
		return uuid.Nil, false, fmt.Errorf("idempotency binding for %q vanished", requestID)
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("idempotency get: %w", err)
	}

	existing, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("corrupt idempotency binding for %q: %w", requestID, err)
	}
	return existing, false, nil
}

func (g *RedisGuard) Lookup(ctx context.Context, requestID string) (uuid.UUID, bool, error) {
	val, err := g.rdb.Get(ctx, keyPrefix+requestID).Result()
	if err == redis.Nil {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("idempotency get: %w", err)
	}

	existing, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("corrupt idempotency binding for %q: %w", requestID, err)
	}
	return existing, true, nil
}
