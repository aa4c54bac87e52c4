package memkv

import (
	"context"
	"sync"

	"github.com/BearBump/RouteBox/internal/storage/kvstore"
	"github.com/pkg/errors"
)

// Store — in-memory реализация kvstore.Store. Используется в тестах и
// в эфемерном режиме агента (без sqlite-файла).
// MaxBytes > 0 включает квоту на суммарный размер значений.
type Store struct {
	mu       sync.Mutex
	m        map[string][]byte
	maxBytes int
	used     int
}

func New() *Store {
	return &Store{m: map[string][]byte{}}
}

func NewWithQuota(maxBytes int) *Store {
	return &Store{m: map[string][]byte{}, maxBytes: maxBytes}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.m[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.used - len(s.m[key]) + len(value)
	if s.maxBytes > 0 && next > s.maxBytes {
		return errors.Wrap(kvstore.ErrQuotaExceeded, "memkv set")
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.m[key] = cp
	s.used = next
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used -= len(s.m[key])
	delete(s.m, key)
	return nil
}

func (s *Store) Close() error { return nil }

// Len returns the number of stored keys (test helper).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
