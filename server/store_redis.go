package server

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "nfcrelay:session:"

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore reserves secrets as keys with a TTL, refreshed on relay
// traffic so abandoned sessions expire.
func NewRedisStore(opts *redis.Options, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(opts),
		ttl:    ttl,
	}
}

func redisKey(secret string) string {
	return redisKeyPrefix + secret
}

func (r *RedisStore) Reserve(ctx context.Context, secret, owner string) (bool, error) {
	return r.client.SetNX(ctx, redisKey(secret), owner, r.ttl).Result()
}

func (r *RedisStore) Touch(ctx context.Context, secret string) error {
	if r.ttl <= 0 {
		return nil
	}
	return r.client.Expire(ctx, redisKey(secret), r.ttl).Err()
}

func (r *RedisStore) Release(ctx context.Context, secret string) error {
	return r.client.Del(ctx, redisKey(secret)).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
