package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Durable state keys shared by pipeline components.
const (
	KeyEvents     = "monitor_events"
	KeyEventHash  = "monitor_event_hashes"
	KeySessionID  = "monitor_session_id"
	KeyIPCache    = "monitor_ip_cache"
	KeyGeoCache   = "monitor_geo_cache"
	fileExtension = ".json"
)

var (
	// ErrNotFound reports a key without stored value.
	ErrNotFound = errors.New("storage key not found")
	// ErrCorrupt reports a stored value that cannot be decoded.
	ErrCorrupt = errors.New("storage value is corrupt")
)

// Store is a namespaced durable key/value store.
// Params: keys are flat names such as KeyEvents.
// Returns: raw bytes; Load returns ErrNotFound for missing keys.
type Store interface {
	Load(key string) ([]byte, error)
	Save(key string, value []byte) error
	Remove(key string) error
}

// FileStore keeps one file per key inside a directory.
// Params: dir storage root.
// Returns: store writing values atomically via temp file + rename.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// OpenFileStore creates the directory when needed.
// Params: dir storage root.
// Returns: file store or mkdir error.
func OpenFileStore(dir string) (*FileStore, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return nil, fmt.Errorf("storage dir is empty")
	}
	if err := os.MkdirAll(clean, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir %q: %w", clean, err)
	}
	return &FileStore{dir: clean}, nil
}

// Load reads the value stored for key.
// Params: key durable key.
// Returns: value bytes, ErrNotFound, or IO error.
func (s *FileStore) Load(key string) ([]byte, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	return raw, nil
}

// Save replaces the value for key.
// Params: key durable key; value bytes to store.
// Returns: nil or IO error.
func (s *FileStore) Save(key string, value []byte) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %q: %w", key, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(value); err != nil {
		cleanup()
		return fmt.Errorf("write %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %q: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %q: %w", key, err)
	}
	return nil
}

// Remove deletes the value for key; missing keys are not an error.
// Params: key durable key.
// Returns: nil or IO error.
func (s *FileStore) Remove(key string) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

// pathFor maps key into a file path inside the store directory.
// Params: key durable key.
// Returns: file path or error for empty/unsafe keys.
func (s *FileStore) pathFor(key string) (string, error) {
	name := strings.TrimSpace(key)
	if name == "" {
		return "", fmt.Errorf("storage key is empty")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("storage key %q contains path separators", key)
	}
	return filepath.Join(s.dir, name+fileExtension), nil
}

// MemoryStore keeps values in process memory only.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (s *MemoryStore) Load(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (s *MemoryStore) Save(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.values[key] = stored
	return nil
}

func (s *MemoryStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// LoadJSON decodes the value stored for key into target.
// Params: store source; key durable key; target pointer to decode into.
// Returns: nil, ErrNotFound, an ErrCorrupt-wrapped decode error, or IO error.
func LoadJSON(store Store, key string, target any) error {
	if store == nil {
		return ErrNotFound
	}
	raw, err := store.Load(key)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: decode %q: %v", ErrCorrupt, key, err)
	}
	return nil
}

// SaveJSON encodes value and stores it under key.
// Params: store destination; key durable key; value JSON-serializable value.
// Returns: nil or encode/IO error.
func SaveJSON(store Store, key string, value any) error {
	if store == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return store.Save(key, raw)
}
