package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores session keys in Redis under a common prefix, so several
// processes of the same user can share one session.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithKeyPrefix sets the key prefix (default "tapak:session").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *Redis) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

// WithTTL expires every written key after d. Zero keeps keys forever.
func WithTTL(d time.Duration) RedisOption {
	return func(s *Redis) { s.ttl = d }
}

// NewRedis wraps an existing go-redis client.
func NewRedis(rdb redis.UniversalClient, opts ...RedisOption) *Redis {
	s := &Redis{
		rdb:    rdb,
		prefix: "tapak:session",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Redis) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// Get reads key; a missing key is reported as found=false, not an error.
func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return v, true, nil
}

// Set writes key with the configured TTL.
func (s *Redis) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Remove deletes key.
func (s *Redis) Remove(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}
