// Package lock provides the cross-replica tick lock.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKey = "question-escalation:tick"

// releaseScript deletes the key only if the caller still owns it.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// RedisTickLock is a SET NX PX lock owned by a per-tick token.
type RedisTickLock struct {
	client *redis.Client
	key    string
}

func NewRedisTickLock(client *redis.Client, key string) *RedisTickLock {
	if key == "" {
		key = DefaultKey
	}
	return &RedisTickLock{client: client, key: key}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (l *RedisTickLock) Acquire(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire tick lock: %w", err)
	}
	return ok, nil
}

// Release is a no-op if the lock expired and was taken by someone else.
func (l *RedisTickLock) Release(ctx context.Context, token string) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("release tick lock: %w", err)
	}
	return nil
}
