package credentials

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/muurk/iotgate/internal/logging"
	"github.com/muurk/iotgate/internal/protocol"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS devices (
	id         INTEGER PRIMARY KEY,
	key_hash   TEXT NOT NULL,
	label      TEXT,
	created_at DATETIME
);`

// SQLStore keeps devices in a SQLite database.
type SQLStore struct {
	db   *sql.DB
	path string
}

// OpenSQLStore opens or creates the database at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StoreError{Op: "open", Path: path, Err: err}
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "migrate", Path: path, Err: err}
	}
	return &SQLStore{db: db, path: path}, nil
}

// Verify implements Verifier. Database errors count as a failed check.
func (s *SQLStore) Verify(id protocol.DeviceID, key string) bool {
	var keyHash string
	err := s.db.QueryRow(`SELECT key_hash FROM devices WHERE id = ?`, int64(id)).Scan(&keyHash)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logging.Warn("Credential lookup failed",
				zap.Stringer("device", id),
				zap.String("path", s.path),
				zap.Error(err),
			)
		}
		return false
	}
	return matchHash(keyHash, key)
}

// Add provisions a device.
func (s *SQLStore) Add(id protocol.DeviceID, key, label string) error {
	if key == "" {
		return ErrEmptyKey
	}
	res, err := s.db.Exec(
		`INSERT INTO devices (id, key_hash, label, created_at) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		int64(id), hashKey(key), label, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &StoreError{Op: "insert", Path: s.path, Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	return nil
}

// Remove deletes a device.
func (s *SQLStore) Remove(id protocol.DeviceID) error {
	res, err := s.db.Exec(`DELETE FROM devices WHERE id = ?`, int64(id))
	if err != nil {
		return &StoreError{Op: "delete", Path: s.path, Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// List returns every device ordered by id.
func (s *SQLStore) List() ([]Entry, error) {
	rows, err := s.db.Query(`SELECT id, COALESCE(label, ''), COALESCE(created_at, '') FROM devices ORDER BY id`)
	if err != nil {
		return nil, &StoreError{Op: "query", Path: s.path, Err: err}
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			id      int64
			label   string
			created string
		)
		if err := rows.Scan(&id, &label, &created); err != nil {
			return nil, &StoreError{Op: "scan", Path: s.path, Err: err}
		}
		e := Entry{ID: protocol.DeviceID(id), Label: label}
		if created != "" {
			if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
				e.CreatedAt = t
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "query", Path: s.path, Err: err}
	}
	return out, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
