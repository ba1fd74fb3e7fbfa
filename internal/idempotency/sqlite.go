package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the on-disk KV idempotency backend, satisfying spec.md
// §3's "on-disk KV" option for cross-process safety on a single host.
// Grounded on the teacher's pkg/store/receipt_store_sqlite.go: a
// migrate()-on-construct table, the blank modernc.org/sqlite driver
// import, and the same REPLACE/upsert idiom the original Python
// SqliteIdempotencyStore uses.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("idempotency: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("idempotency: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline, matches WAL-mode single-writer semantics

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("idempotency: enable WAL: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS idempotency (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("idempotency: migrate: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency(expires_at)`); err != nil {
		return nil, fmt.Errorf("idempotency: migrate index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get returns the cached value for key if present and unexpired, deleting
// it if it has expired.
func (s *SQLiteStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM idempotency WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: get: %w", err)
	}

	if time.Now().Unix() > expiresAt {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE key = ?`, key)
		return nil, false, nil
	}
	return json.RawMessage(value), true, nil
}

// Set upserts value under key with the given TTL.
func (s *SQLiteStore) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl).Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, string(value), expiresAt)
	if err != nil {
		return fmt.Errorf("idempotency: set: %w", err)
	}
	return nil
}

// Cleanup deletes all expired entries; callers may run this periodically.
func (s *SQLiteStore) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE expires_at < ?`, time.Now().Unix())
	return err
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
