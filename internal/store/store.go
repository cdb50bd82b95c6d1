// Package store provides the durable key-value state shared by the scrobble
// and history sync engines: resolver cache entries, per-provider sync
// watermarks, and the single scrobble session slot.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Bucket names used across the engines.
const (
	BucketResolver  = "resolver"
	BucketWatermark = "watermark"
	BucketScrobble  = "scrobble"
	BucketPending   = "pending"
)

// Store is a bucket-scoped key-value store backed by sqlite. Values are
// JSON-encoded. Writes are last-writer-wins per key, safe under concurrent
// use from the scrobbler and the sync engine.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at path and runs migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			bucket     TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (bucket, key)
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get loads the value for (bucket, key) into v. Returns false when the key
// does not exist.
func (s *Store) Get(bucket, key string, v any) (bool, error) {
	var data string
	err := s.db.QueryRow(
		`SELECT value FROM kv WHERE bucket = ? AND key = ?`, bucket, key,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// Set stores v under (bucket, key), replacing any existing value.
func (s *Store) Set(bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO kv (bucket, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		bucket, key, string(data), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Remove deletes (bucket, key). Removing a missing key is a no-op.
func (s *Store) Remove(bucket, key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return fmt.Errorf("remove %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Clear deletes every key in the bucket. Used for explicit cache clears.
func (s *Store) Clear(bucket string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE bucket = ?`, bucket); err != nil {
		return fmt.Errorf("clear %s: %w", bucket, err)
	}
	return nil
}

// Keys lists all keys in the bucket.
func (s *Store) Keys(bucket string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv WHERE bucket = ? ORDER BY key`, bucket)
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", bucket, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
