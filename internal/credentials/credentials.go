// Package credentials decides whether a device may bind its id.
//
// Three backends are provided. FileStore and SQLStore keep a SHA-256 hash of
// each device's key; HMACVerifier derives the expected key from a shared
// secret so nothing per device has to be stored.
package credentials

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/muurk/iotgate/internal/protocol"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendHMAC   = "hmac"
)

var (
	ErrNotFound = errors.New("device not found")
	ErrExists   = errors.New("device already exists")
	ErrEmptyKey = errors.New("key must not be empty")
)

// Verifier checks the KEY a device presents for its id.
type Verifier interface {
	Verify(id protocol.DeviceID, key string) bool
}

// Entry describes one provisioned device. The key itself is never returned.
type Entry struct {
	ID        protocol.DeviceID
	Label     string
	CreatedAt time.Time
}

// Store is a Verifier whose devices can be managed.
type Store interface {
	Verifier
	Add(id protocol.DeviceID, key, label string) error
	Remove(id protocol.DeviceID) error
	List() ([]Entry, error)
	Close() error
}

// StoreError records a failed store operation and the file it touched.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("credentials %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// OpenStore opens a manageable store for backend at path.
func OpenStore(backend, path string) (Store, error) {
	switch backend {
	case BackendFile, "":
		s, err := OpenFileStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		s, err := OpenSQLStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendHMAC:
		return nil, fmt.Errorf("backend %q derives keys and has no device list", backend)
	default:
		return nil, fmt.Errorf("unknown credentials backend %q", backend)
	}
}

// OpenVerifier opens the verifier the server uses for backend. secret is only
// used by the hmac backend.
func OpenVerifier(backend, path, secret string) (Verifier, error) {
	if backend == BackendHMAC {
		v, err := NewHMACVerifier(secret)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	return OpenStore(backend, path)
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func matchHash(storedHex, key string) bool {
	return subtle.ConstantTimeCompare([]byte(storedHex), []byte(hashKey(key))) == 1
}
