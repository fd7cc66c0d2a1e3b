package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mzlad1/mirabeauty-sub001/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// KV returns the key/value repository.
func (s *Store) KV() *KVStore {
	return NewKVStore(s.Pool())
}

// Connect opens a pgx pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres: dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
