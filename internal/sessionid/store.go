package sessionid

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the identifier in a small JSON document on disk, the
// terminal equivalent of a browser profile's local storage.
type FileStore struct {
	Path string
}

type fileDoc struct {
	SessionID string `json:"session_id"`
}

// DefaultPath returns <user config dir>/bus-seat-reservation/session.json.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "bus-seat-reservation", "session.json"), nil
}

// Load reads the stored identifier.  A missing file is not an error.
func (s FileStore) Load() (string, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session file: %w", err)
	}
	var doc fileDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return "", fmt.Errorf("decode session file: %w", err)
	}
	return doc.SessionID, nil
}

// Save writes the identifier atomically (temp file + rename).
func (s FileStore) Save(id string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	b, err := json.Marshal(fileDoc{SessionID: id})
	if err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return os.Rename(tmp, s.Path)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	id    string
	saves int
}

func (m *MemoryStore) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, nil
}

func (m *MemoryStore) Save(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
	m.saves++
	return nil
}

// Saves returns how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
