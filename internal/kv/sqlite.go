package kv

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (namespace, key)
);
`

// DefaultDataDir returns the default data directory for mercury databases.
// Uses $XDG_DATA_HOME/mercury, falling back to ~/.local/share/mercury.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "mercury")
}

// OpenSQLite opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/mercury/default.db.
func OpenSQLite(dbPath string) (*SQLite, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("kv: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("kv: open db: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(ns, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(
		"SELECT value FROM kv WHERE namespace = ? AND key = ?", ns, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv: get %s/%s: %w", ns, key, err)
	}
	return value, nil
}

func (s *SQLite) Set(ns, key string, value []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO kv (namespace, key, value) VALUES (?, ?, ?)",
		ns, key, value,
	)
	if err != nil {
		return fmt.Errorf("kv: set %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *SQLite) Remove(ns, key string) error {
	_, err := s.db.Exec("DELETE FROM kv WHERE namespace = ? AND key = ?", ns, key)
	if err != nil {
		return fmt.Errorf("kv: remove %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *SQLite) Has(ns, key string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM kv WHERE namespace = ? AND key = ?", ns, key,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("kv: has %s/%s: %w", ns, key, err)
	}
	return true, nil
}

func (s *SQLite) Keys(ns string) ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM kv WHERE namespace = ?", ns)
	if err != nil {
		return nil, fmt.Errorf("kv: keys %s: %w", ns, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("kv: keys %s: %w", ns, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
