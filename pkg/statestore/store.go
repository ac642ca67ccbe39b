// Package statestore persists client identity and per-service state in a
// SQLite key/value table.
package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	NamespaceDUID     = "duid"
	NamespaceServices = "services"
)

// LoadFunc receives one key/value pair of a namespace.
type LoadFunc func(key string, value []byte) error

// Store is a namespaced key/value store. It is safe for concurrent use.
type Store struct {
	db *sql.DB

	// DUIDType selects the identifier generated on first use: DUIDTypeLLT
	// (default), DUIDTypeLL or DUIDTypeUUID.
	DUIDType string
	hw       hardwareLookup
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", p, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS state (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			PRIMARY KEY (namespace, key)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}

	return &Store{db: db, DUIDType: DUIDTypeLLT, hw: interfaceHardwareAddr}, nil
}

// Put inserts or replaces a value.
func (s *Store) Put(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (namespace, key, value, updated_at)
		VALUES (?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, namespace, key, value)
	return err
}

// Get returns the value stored under key, or sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM state WHERE namespace = ? AND key = ?
	`, namespace, key).Scan(&value)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete removes a key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM state WHERE namespace = ? AND key = ?
	`, namespace, key)
	return err
}

// Load calls fn for every key of namespace in key order.
func (s *Store) Load(ctx context.Context, namespace string, fn LoadFunc) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM state WHERE namespace = ? ORDER BY key
	`, namespace)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Clear removes every key of namespace.
func (s *Store) Clear(ctx context.Context, namespace string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM state WHERE namespace = ?
	`, namespace)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
