// Package capture records accepted device messages as JSON Lines for offline
// analysis. One file is written per day: capture-YYYYMMDD.jsonl.
package capture

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/muurk/iotgate/internal/logging"
	"github.com/muurk/iotgate/internal/protocol"
	"go.uber.org/zap"
)

const (
	DirectionInbound  = "device->server"
	DirectionOutbound = "server->device"
)

// Record is one line of a capture file.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	MessageNum   int       `json:"message_num"`
	Device       string    `json:"device"`
	Direction    string    `json:"direction"`
	PayloadLen   int       `json:"payload_len"`
	PayloadHex   string    `json:"payload_hex"`
	PayloadASCII string    `json:"payload_ascii"`
}

// Writer appends records to the current day's capture file. A nil *Writer is
// valid and discards everything, which is what New returns for an empty dir.
type Writer struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	file  *os.File
	day   string
	count int
}

// New creates a writer for dir, creating the directory if needed. An empty
// dir disables capture.
func New(dir string) (*Writer, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	return &Writer{dir: dir, now: time.Now}, nil
}

// Write appends one record for body.
func (w *Writer) Write(id protocol.DeviceID, direction string, body []byte) error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if err := w.rotate(now); err != nil {
		return err
	}

	w.count++
	data, err := json.Marshal(Record{
		Timestamp:    now,
		MessageNum:   w.count,
		Device:       id.String(),
		Direction:    direction,
		PayloadLen:   len(body),
		PayloadHex:   hex.EncodeToString(body),
		PayloadASCII: logging.ASCII(body),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal capture record: %w", err)
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write capture file: %w", err)
	}

	logging.Debug("Saved message to capture file",
		zap.String("filename", w.file.Name()),
		zap.Int("message_num", w.count),
	)
	return nil
}

// Path returns the file the next record for t would go to.
func (w *Writer) Path(t time.Time) string {
	return filepath.Join(w.dir, fmt.Sprintf("capture-%s.jsonl", t.Format("20060102")))
}

// Close closes the current capture file.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *Writer) rotate(now time.Time) error {
	day := now.Format("20060102")
	if w.file != nil && w.day == day {
		return nil
	}
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	filename := w.Path(now)
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open capture file: %w", err)
	}
	w.file = f
	w.day = day
	return nil
}
