package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBlacklist tracks revoked access-token jtis until the tokens would have
// expired on their own, so logout takes effect before the access TTL runs out.
type TokenBlacklist interface {
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error
}

type RedisBlacklist struct {
	client *redis.Client
}

func NewRedisBlacklist(client *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{client: client}
}

func blacklistKey(jti string) string {
	return fmt.Sprintf("blacklist:jti:%s", jti)
}

func (r *RedisBlacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	exists, err := r.client.Exists(ctx, blacklistKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

func (r *RedisBlacklist) AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error {
	return r.client.Set(ctx, blacklistKey(jti), "revoked", ttl).Err()
}
