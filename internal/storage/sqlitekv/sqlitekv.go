package sqlitekv

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/BearBump/RouteBox/internal/storage/kvstore"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Store — sqlite-реализация kvstore.Store. Один файл на устройстве,
// одна таблица, значение перезаписывается целиком.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if path == "" {
		path = "routebox.db"
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// Агент — единственный писатель; лишние соединения только мешают sqlite.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS kv (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL,
  updated_at TIMESTAMP NOT NULL
)`)
	return errors.Wrap(err, "init schema")
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlite get")
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`, key, value, time.Now().UTC())
	if err != nil {
		if isFullError(err) {
			return errors.Wrap(kvstore.ErrQuotaExceeded, err.Error())
		}
		return errors.Wrap(err, "sqlite set")
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return errors.Wrap(err, "sqlite delete")
}

func (s *Store) Close() error {
	return s.db.Close()
}

// isFullError распознаёт SQLITE_FULL / нехватку места, чтобы наверх ушёл
// kvstore.ErrQuotaExceeded, а не сырой текст драйвера.
func isFullError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database or disk is full") ||
		strings.Contains(msg, "disk i/o error")
}
