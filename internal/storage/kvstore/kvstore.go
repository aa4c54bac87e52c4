package kvstore

import (
	"context"

	"github.com/pkg/errors"
)

// ErrQuotaExceeded is returned (wrapped) by Set when the backing store
// is out of capacity. Callers decide whether the write was a cache
// (clear and retry) or a record of truth (hard failure).
var ErrQuotaExceeded = errors.New("kvstore: quota exceeded")

// Store is the durable key-value primitive everything local rides on:
// the offline action queue, the route snapshot and the journey state.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
