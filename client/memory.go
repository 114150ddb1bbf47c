package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SessionMemory remembers the active session ID across client restarts.
type SessionMemory interface {
	Load() (string, error)
	Save(sessionID string) error
}

// FileMemory stores the session ID in a single file.
type FileMemory struct {
	Path string
}

// DefaultMemoryPath returns ~/.relay/session, or a path in the working
// directory when there is no home directory.
func DefaultMemoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay-session"
	}
	return filepath.Join(home, ".relay", "session")
}

// Load returns the remembered ID, or "" when nothing was saved yet.
func (m FileMemory) Load() (string, error) {
	b, err := os.ReadFile(m.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session memory: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Save replaces the remembered ID. An empty ID forgets the session.
func (m FileMemory) Save(sessionID string) error {
	if sessionID == "" {
		err := os.Remove(m.Path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.Path), 0o700); err != nil {
		return fmt.Errorf("create session memory dir: %w", err)
	}
	tmp := m.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sessionID+"\n"), 0o600); err != nil {
		return fmt.Errorf("write session memory: %w", err)
	}
	return os.Rename(tmp, m.Path)
}

// MemoryOnly keeps the session ID in process memory.
type MemoryOnly struct {
	mu sync.Mutex
	id string
}

func (m *MemoryOnly) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, nil
}

func (m *MemoryOnly) Save(sessionID string) error {
	m.mu.Lock()
	m.id = sessionID
	m.mu.Unlock()
	return nil
}
