package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultNamespace is the key a session record is stored under.
const DefaultNamespace = "auth-storage"

// Persister is durable storage for a single session record.
type Persister interface {
	// Load returns ErrNoSession when no record exists.
	Load() (Session, error)
	Save(Session) error
}

// sessionFile is the on-disk layout. Several namespaces may share one file.
type sessionFile struct {
	Sessions map[string]Session `json:"sessions"`
}

// FileStore persists the session as JSON in a file shared across processes.
type FileStore struct {
	path      string
	namespace string
}

// NewFileStore returns a FileStore writing to path under namespace.
// An empty namespace means DefaultNamespace.
func NewFileStore(path, namespace string) *FileStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &FileStore{path: path, namespace: namespace}
}

// Path returns the session file location.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads this namespace's record.
func (f *FileStore) Load() (Session, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Session{}, ErrNoSession
		}
		return Session{}, err
	}

	var sf sessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return Session{}, fmt.Errorf("failed to parse session file: %w", err)
	}

	s, ok := sf.Sessions[f.namespace]
	if !ok {
		return Session{}, ErrNoSession
	}
	return s, nil
}

// Save writes this namespace's record, keeping the others, under the file lock.
func (f *FileStore) Save(s Session) error {
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create session dir: %w", err)
		}
	}

	lock, err := lockSessionFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release lock: %v\n", releaseErr)
		}
	}()

	var sf sessionFile
	if existing, err := os.ReadFile(f.path); err == nil {
		// A corrupt file is overwritten rather than blocking every login.
		_ = json.Unmarshal(existing, &sf)
	}
	if sf.Sessions == nil {
		sf.Sessions = make(map[string]Session)
	}
	sf.Sessions[f.namespace] = s

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		if removeErr := os.Remove(tmp); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// MemoryStore keeps the session in memory only. Useful in tests and for
// one-shot commands that must not touch disk.
type MemoryStore struct {
	s     Session
	saved bool
	Saves int
}

// Load implements Persister.
func (m *MemoryStore) Load() (Session, error) {
	if !m.saved {
		return Session{}, ErrNoSession
	}
	return m.s.clone(), nil
}

// Save implements Persister.
func (m *MemoryStore) Save(s Session) error {
	m.s = s.clone()
	m.saved = true
	m.Saves++
	return nil
}
