// Package persistence holds the database handle shared by the durable cart
// backends.
package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoPool is returned when a Store was built without a pool.
var ErrNoPool = errors.New("persistence: pool not configured")

// Store owns a pgx pool. Backends in subpackages borrow it through Pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pgx pool.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.Pool() == nil {
		return ErrNoPool
	}
	return s.pool.Ping(ctx)
}

// Close releases the pool. Closing a nil or empty store is a no-op.
func (s *Store) Close() {
	if s.Pool() == nil {
		return
	}
	s.pool.Close()
}
