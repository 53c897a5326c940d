package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLStore persists keys in a single sqlite table. Suited to host
// applications that already ship a database file; sqlite's journal gives
// the same no-torn-reads guarantee the file store gets from rename.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore opens (or creates) the sqlite database at path and ensures
// the kv table exists.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sqlx.Connect("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	_, err = db.Exec(`create table if not exists kv (
		key   text primary key,
		value blob not null
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating kv table: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewSQLStore",
		"path":     path,
	}).Debug("sqlite KV store opened")

	return &SQLStore{db: db}, nil
}

// Write durably stores value under key, replacing any previous value.
func (s *SQLStore) Write(key string, value []byte) error {
	_, err := s.db.Exec(
		`insert into kv (key, value) values (?, ?)
		 on conflict(key) do update set value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("writing key %q: %w", key, err)
	}
	return nil
}

// Read returns the value stored under key.
func (s *SQLStore) Read(key string) ([]byte, error) {
	var value []byte
	err := s.db.Get(&value, `select value from kv where key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("reading key %q: %w", key, err)
	}
	return value, nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *SQLStore) Delete(key string) error {
	if _, err := s.db.Exec(`delete from kv where key = ?`, key); err != nil {
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

// Keys lists stored keys with the given prefix.
func (s *SQLStore) Keys(prefix string) ([]string, error) {
	keys := []string{}
	err := s.db.Select(&keys, `select key from kv where key like ? order by key`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("listing keys with prefix %q: %w", prefix, err)
	}
	return keys, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
