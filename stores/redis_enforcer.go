package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEnforcer records blocks as Redis keys that expire with the block
// (keys: {prefix}:block:user:{id} and {prefix}:block:ip:{ip}). It satisfies
// monitor.Enforcer.
type RedisEnforcer struct {
	client *redis.Client
	prefix string
}

func NewRedisEnforcer(client *redis.Client, prefix string) *RedisEnforcer {
	if prefix == "" {
		prefix = "trustkit"
	}
	return &RedisEnforcer{client: client, prefix: prefix}
}

// NewRedisClient connects to a redis:// URL and pings it.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (r *RedisEnforcer) userKey(id string) string { return fmt.Sprintf("%s:block:user:%s", r.prefix, id) }
func (r *RedisEnforcer) ipKey(ip string) string   { return fmt.Sprintf("%s:block:ip:%s", r.prefix, ip) }

func (r *RedisEnforcer) BlockUser(ctx context.Context, userID string, d time.Duration, reason string) error {
	return r.client.Set(ctx, r.userKey(userID), reason, d).Err()
}

func (r *RedisEnforcer) BlockIP(ctx context.Context, ip string, d time.Duration, reason string) error {
	return r.client.Set(ctx, r.ipKey(ip), reason, d).Err()
}

func (r *RedisEnforcer) IsUserBlocked(ctx context.Context, userID string) (bool, error) {
	return r.exists(ctx, r.userKey(userID))
}

func (r *RedisEnforcer) IsIPBlocked(ctx context.Context, ip string) (bool, error) {
	return r.exists(ctx, r.ipKey(ip))
}

// BlockReason returns the stored reason, or "" when not blocked.
func (r *RedisEnforcer) BlockReason(ctx context.Context, userID string) (string, error) {
	v, err := r.client.Get(ctx, r.userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *RedisEnforcer) UnblockUser(ctx context.Context, userID string) error {
	return r.client.Del(ctx, r.userKey(userID)).Err()
}

func (r *RedisEnforcer) UnblockIP(ctx context.Context, ip string) error {
	return r.client.Del(ctx, r.ipKey(ip)).Err()
}

func (r *RedisEnforcer) exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
