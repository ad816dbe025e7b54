// Package sqlkv implements the tiered store's hot tier: object rows
// held in the local transactional table (sqlite3), for objects small
// or hot enough that a cloud storage round trip isn't worth it.
package sqlkv

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/gitvault/server/internal/objects"
)

// ErrNotFound is returned by Get when sha has no hot-tier row.
var ErrNotFound = errors.New("sqlkv: object not found")

// Store is the hot tier's row store.
type Store struct {
	db *sql.DB
}

// New wraps an already-migrated *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the hot object table if it does not already exist.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS hot_objects (
			sha  TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			data BLOB NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("sqlkv: migrate: %w", err)
	}
	return nil
}

// Put inserts an object's bytes, ignoring the call if the row already
// exists (objects are content-addressed and immutable, so a duplicate
// put is always a no-op rather than a conflict).
func (s *Store) Put(sha objects.ObjectID, typ objects.ObjectType, data []byte) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO hot_objects (sha, type, data) VALUES (?, ?, ?)`,
		sha.String(), string(typ), data)
	if err != nil {
		return fmt.Errorf("sqlkv: put %s: %w", sha, err)
	}
	return nil
}

// Get returns the stored type and bytes for sha.
func (s *Store) Get(sha objects.ObjectID) (objects.ObjectType, []byte, error) {
	var typ string
	var data []byte
	err := s.db.QueryRow(`SELECT type, data FROM hot_objects WHERE sha = ?`, sha.String()).Scan(&typ, &data)
	if err == sql.ErrNoRows {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("sqlkv: get %s: %w", sha, err)
	}
	return objects.ObjectType(typ), data, nil
}

// Has reports whether sha has a hot-tier row, without fetching bytes.
func (s *Store) Has(sha objects.ObjectID) (bool, error) {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM hot_objects WHERE sha = ?`, sha.String()).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlkv: has %s: %w", sha, err)
	}
	return true, nil
}

// Delete removes sha's hot-tier row (used once a flush has promoted it
// to cold storage, or by GC sweep).
func (s *Store) Delete(sha objects.ObjectID) error {
	_, err := s.db.Exec(`DELETE FROM hot_objects WHERE sha = ?`, sha.String())
	if err != nil {
		return fmt.Errorf("sqlkv: delete %s: %w", sha, err)
	}
	return nil
}

// ListAll returns every sha currently in the hot tier.
func (s *Store) ListAll() ([]objects.ObjectID, error) {
	rows, err := s.db.Query(`SELECT sha FROM hot_objects`)
	if err != nil {
		return nil, fmt.Errorf("sqlkv: list all: %w", err)
	}
	defer rows.Close()

	var out []objects.ObjectID
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, fmt.Errorf("sqlkv: scan: %w", err)
		}
		id, err := objects.NewObjectID(hex)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
