package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mzlad1/mirabeauty-sub001/errs"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/kv"
)

const (
	kvSelectSQL = `SELECT value FROM kv_entries WHERE key = $1;`
	kvUpsertSQL = `
INSERT INTO kv_entries (key, value, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET
    value = EXCLUDED.value,
    updated_at = NOW();
`
	kvDeleteSQL = `DELETE FROM kv_entries WHERE key = $1;`
)

// KVStore persists string values in the kv_entries table.
type KVStore struct {
	pool *pgxpool.Pool
}

var _ kv.Store = (*KVStore)(nil)

// NewKVStore constructs a KVStore backed by the provided pgx pool.
func NewKVStore(pool *pgxpool.Pool) *KVStore {
	return &KVStore{pool: pool}
}

// Get returns the stored value, reporting ok=false when no row exists.
func (s *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	pool, err := s.ensurePool("kv/postgres.get", key)
	if err != nil {
		return "", false, err
	}
	var value string
	if err := pool.QueryRow(ctx, kvSelectSQL, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, errs.New("kv/postgres.get", errs.CodeUnavailable, errs.WithField("key", key), errs.WithCause(err))
	}
	return value, true, nil
}

// Set upserts the value.
func (s *KVStore) Set(ctx context.Context, key, value string) error {
	pool, err := s.ensurePool("kv/postgres.set", key)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, kvUpsertSQL, key, value); err != nil {
		return errs.New("kv/postgres.set", errs.CodeUnavailable, errs.WithField("key", key), errs.WithCause(err))
	}
	return nil
}

// Remove deletes the row for key.
func (s *KVStore) Remove(ctx context.Context, key string) error {
	pool, err := s.ensurePool("kv/postgres.remove", key)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, kvDeleteSQL, key); err != nil {
		return errs.New("kv/postgres.remove", errs.CodeUnavailable, errs.WithField("key", key), errs.WithCause(err))
	}
	return nil
}

func (s *KVStore) ensurePool(op, key string) (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithMessage("kv store: nil pool"))
	}
	if err := kv.ValidateKey(op, key); err != nil {
		return nil, err
	}
	return s.pool, nil
}
