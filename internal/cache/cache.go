package cache

import (
	"context"
	"time"
)

// BytesCache is a best-effort TTL cache. Nil-able everywhere it is
// consumed: a missing cache disables caching, never breaks the caller.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}
