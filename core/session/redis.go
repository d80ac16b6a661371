package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Remote is the shared cache behind the in-process map.
// Load returns nil data and a nil error when the key is absent.
type Remote interface {
	Load(ctx context.Context, key Key) ([]byte, error)
	Save(ctx context.Context, key Key, data []byte, ttl time.Duration) error
	Remove(ctx context.Context, key Key) error
	Ping(ctx context.Context) error
}

// RedisRemote stores encoded sessions as plain string values with a TTL.
type RedisRemote struct {
	client *redis.Client
	prefix string
}

// NewRedisRemote wraps client. Keys are "<prefix>:session:<store>:<user>".
func NewRedisRemote(client *redis.Client, prefix string) *RedisRemote {
	return &RedisRemote{client: client, prefix: prefix}
}

func (r *RedisRemote) key(k Key) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, k)
}

func (r *RedisRemote) Load(ctx context.Context, key Key) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (r *RedisRemote) Save(ctx context.Context, key Key, data []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisRemote) Remove(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisRemote) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
