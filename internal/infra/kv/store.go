// Package kv provides durable string key/value storage backends for client state.
package kv

import (
	"context"
	"strings"

	"github.com/mzlad1/mirabeauty-sub001/errs"
)

// Store is durable key/value storage. Get reports ok=false for absent keys.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// ValidateKey rejects blank keys.
func ValidateKey(op, key string) error {
	if strings.TrimSpace(key) == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("key required"))
	}
	return nil
}
