//go:build integration

package kv_test

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/mzlad1/mirabeauty-sub001/internal/infra/kv"
)

type RedisStoreSuite struct {
	suite.Suite
	container *tcredis.RedisContainer
	client    *redis.Client
	store     *kv.RedisStore
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	s.Require().NoError(err)
	s.container = container

	url, err := container.ConnectionString(ctx)
	s.Require().NoError(err)

	client, err := kv.NewRedisClient(ctx, kv.RedisConfig{URL: url})
	s.Require().NoError(err)
	s.client = client
	s.store = kv.NewRedisStore(client, kv.WithKeyPrefix("storefront:"))
}

func (s *RedisStoreSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.client.FlushAll(context.Background()).Err())
}

func (s *RedisStoreSuite) TestRoundTrip() {
	ctx := context.Background()

	_, ok, err := s.store.Get(ctx, "cart")
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.store.Set(ctx, "cart", `[{"itemId":"A","quantity":1}]`))
	value, ok, err := s.store.Get(ctx, "cart")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(`[{"itemId":"A","quantity":1}]`, value)

	raw, err := s.client.Get(ctx, "storefront:cart").Result()
	s.Require().NoError(err)
	s.Equal(value, raw)

	s.Require().NoError(s.store.Remove(ctx, "cart"))
	_, ok, err = s.store.Get(ctx, "cart")
	s.Require().NoError(err)
	s.False(ok)
}
