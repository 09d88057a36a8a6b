// Package sqlite persists the client's session on the local device.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/villagehealth/portal/internal/core/domain"
)

const schema = `CREATE TABLE IF NOT EXISTS credentials (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// CredentialStore keeps the serialized session in a single row keyed by
// domain.CredentialKey, so it survives client restarts.
type CredentialStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the credential database at path.
func Open(path string) (*CredentialStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("credential store path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create credentials table: %w", err)
	}
	return &CredentialStore{db: db, now: time.Now}, nil
}

// Close releases the underlying SQLite connection.
func (s *CredentialStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *CredentialStore) Read(ctx context.Context) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, domain.CredentialKey).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return value, nil
}

func (s *CredentialStore) Write(ctx context.Context, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		domain.CredentialKey, value, s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

func (s *CredentialStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, domain.CredentialKey); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}
