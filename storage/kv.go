// Package storage provides the durable key-value persistence used by the
// delivery engine's pending-retry queue and the media cache's metadata
// index. Two backends are provided: a file-per-key store using atomic
// rename-on-write, and a sqlite-backed store for hosts that already carry a
// database. Both survive process restarts.
package storage

import "errors"

// ErrKeyNotFound indicates the requested key has no stored value.
var ErrKeyNotFound = errors.New("key not found")

// KV is a durable key-value store. Each owning engine is the single writer
// for its key prefix, so implementations only need to guarantee that a
// reader never observes a half-written value.
type KV interface {
	// Write durably stores value under key, replacing any previous value.
	Write(key string, value []byte) error

	// Read returns the value stored under key, or ErrKeyNotFound.
	Read(key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is a no-op.
	Delete(key string) error

	// Keys lists all stored keys with the given prefix.
	Keys(prefix string) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}
