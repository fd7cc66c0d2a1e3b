package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mzlad1/mirabeauty-sub001/errs"
)

// RedisConfig configures the Redis client used by RedisStore and the signal bridge.
type RedisConfig struct {
	URL          string
	KeyPrefix    string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient parses the URL, applies overrides and verifies connectivity.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, errs.New("kv/redis", errs.CodeInvalid, errs.WithMessage("redis url required"))
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisStore persists values as plain Redis strings without expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key, e.g. "storefront:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Get returns the value, reporting ok=false when the key does not exist.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.check("kv/redis.get", key); err != nil {
		return "", false, err
	}
	value, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("kv/redis.get", key, err)
	}
	return value, true, nil
}

// Set writes the value.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.check("kv/redis.set", key); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return unavailable("kv/redis.set", key, err)
	}
	return nil
}

// Remove deletes the key.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.check("kv/redis.remove", key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return unavailable("kv/redis.remove", key, err)
	}
	return nil
}

func (s *RedisStore) check(op, key string) error {
	if s == nil || s.client == nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("nil redis client"))
	}
	return ValidateKey(op, key)
}

func unavailable(op, key string, err error) error {
	return errs.New(op, errs.CodeUnavailable, errs.WithField("key", key), errs.WithCause(err))
}
