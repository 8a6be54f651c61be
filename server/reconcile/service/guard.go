package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyGuard records which operation first claimed a content hash, so
// instances sharing a store do not enqueue the same change twice.
type IdempotencyGuard interface {
	// Claim returns the id that owns hash: opID when the claim succeeded,
	// otherwise the earlier owner.
	Claim(ctx context.Context, hash, opID string) (string, error)
	// Reclaim overwrites the owner, used when the earlier owner failed.
	Reclaim(ctx context.Context, hash, opID string) error
}

const defaultGuardPrefix = "workshop:sync:op:"

type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisGuard{client: client, prefix: defaultGuardPrefix, ttl: ttl}
}

func (g *RedisGuard) Claim(ctx context.Context, hash, opID string) (string, error) {
	key := g.prefix + hash
	ok, err := g.client.SetNX(ctx, key, opID, g.ttl).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return opID, nil
	}
	owner, err := g.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// expired between the two calls
		return opID, g.client.Set(ctx, key, opID, g.ttl).Err()
	}
	return owner, err
}

func (g *RedisGuard) Reclaim(ctx context.Context, hash, opID string) error {
	return g.client.Set(ctx, g.prefix+hash, opID, g.ttl).Err()
}
