package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// SessionTokenKey is where a bidder's feed token lives.
func SessionTokenKey(bidderID string) string {
	return fmt.Sprintf("session:%s:token", bidderID)
}

type RedisTokenStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTokenStore stores tokens with ttl; zero keeps them until overwritten.
func NewRedisTokenStore(client *redis.Client, ttl time.Duration) *RedisTokenStore {
	return &RedisTokenStore{client: client, ttl: ttl}
}

func (r *RedisTokenStore) SetToken(ctx context.Context, key, token string) error {
	return r.client.Set(ctx, key, token, r.ttl).Err()
}

// GetToken returns "" when no token is stored.
func (r *RedisTokenStore) GetToken(ctx context.Context, key string) (string, error) {
	token, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", err
	}
	return token, nil
}
