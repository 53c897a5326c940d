package storage

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// FileStore persists each key as its own file under a data directory.
// Writes land in a temporary file first and are renamed into place, so a
// crash mid-write leaves the previous value intact rather than a truncated
// one.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed store rooted at dir, creating the
// directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewFileStore",
		"dir":      dir,
	}).Debug("File-backed KV store opened")

	return &FileStore{dir: dir}, nil
}

// keyPath maps a key to its file path. Keys are hex-encoded so arbitrary
// characters (slashes, colons in attachment IDs) cannot escape the data
// directory.
func (s *FileStore) keyPath(key string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(key))+".json")
}

// Write durably stores value under key using rename-on-write.
func (s *FileStore) Write(key string, value []byte) error {
	final := s.keyPath(key)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("writing temp file for key %q: %w", key, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing value for key %q: %w", key, err)
	}
	return nil
}

// Read returns the value stored under key.
func (s *FileStore) Read(key string) ([]byte, error) {
	data, err := os.ReadFile(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("reading key %q: %w", key, err)
	}
	return data, nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *FileStore) Delete(key string) error {
	err := os.Remove(s.keyPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

// Keys lists stored keys with the given prefix.
func (s *FileStore) Keys(prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing storage directory: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		decoded, err := hex.DecodeString(strings.TrimSuffix(name, ".json"))
		if err != nil {
			// Leftover temp files or foreign files are not keys.
			continue
		}
		key := string(decoded)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}
