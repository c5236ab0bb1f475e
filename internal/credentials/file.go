package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/muurk/iotgate/internal/protocol"
	"gopkg.in/yaml.v3"
)

const fileVersion = 1

type fileDocument struct {
	Version int                   `yaml:"version"`
	Devices map[string]*fileEntry `yaml:"devices"`
}

type fileEntry struct {
	KeyHash   string    `yaml:"key_hash"`
	Label     string    `yaml:"label,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

// FileStore keeps devices in a YAML file. Every change is saved atomically.
type FileStore struct {
	path string

	mu      sync.RWMutex
	devices map[protocol.DeviceID]*fileEntry
}

// OpenFileStore loads path. A missing file is an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		devices: make(map[protocol.DeviceID]*fileEntry),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "read", Path: path, Err: err}
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &StoreError{Op: "parse", Path: path, Err: err}
	}
	if doc.Version != fileVersion {
		return nil, &StoreError{Op: "parse", Path: path,
			Err: fmt.Errorf("unsupported version %d (expected %d)", doc.Version, fileVersion)}
	}
	for raw, e := range doc.Devices {
		id, err := protocol.ParseDeviceID(raw)
		if err != nil {
			return nil, &StoreError{Op: "parse", Path: path, Err: err}
		}
		if e == nil || e.KeyHash == "" {
			return nil, &StoreError{Op: "parse", Path: path, Err: fmt.Errorf("device %s has no key_hash", raw)}
		}
		s.devices[id] = e
	}
	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// Verify implements Verifier.
func (s *FileStore) Verify(id protocol.DeviceID, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.devices[id]
	if !ok {
		return false
	}
	return matchHash(e.KeyHash, key)
}

// Add provisions a device and saves the file.
func (s *FileStore) Add(id protocol.DeviceID, key, label string) error {
	if key == "" {
		return ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.devices[id]; exists {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	s.devices[id] = &fileEntry{
		KeyHash:   hashKey(key),
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.saveLocked(); err != nil {
		delete(s.devices, id)
		return err
	}
	return nil
}

// Remove deletes a device and saves the file.
func (s *FileStore) Remove(id protocol.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.devices[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.devices, id)
	if err := s.saveLocked(); err != nil {
		s.devices[id] = e
		return err
	}
	return nil
}

// List returns every device ordered by id.
func (s *FileStore) List() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.devices))
	for id, e := range s.devices {
		out = append(out, Entry{ID: id, Label: e.Label, CreatedAt: e.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save writes the store to disk.
func (s *FileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// Close implements Store. The file is not held open.
func (s *FileStore) Close() error { return nil }

// saveLocked writes a temporary file and renames it over the store.
func (s *FileStore) saveLocked() error {
	doc := fileDocument{
		Version: fileVersion,
		Devices: make(map[string]*fileEntry, len(s.devices)),
	}
	for id, e := range s.devices {
		doc.Devices[id.String()] = e
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return &StoreError{Op: "marshal", Path: s.path, Err: err}
	}
	header := []byte("# iotgate device credentials\n# Keys are stored as SHA-256 hashes.\n\n")
	data = append(header, data...)

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return &StoreError{Op: "mkdir", Path: s.path, Err: err}
		}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return &StoreError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return &StoreError{Op: "rename", Path: s.path, Err: err}
	}
	return nil
}
