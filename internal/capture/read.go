package capture

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// maxLineBytes fits a hex and ascii rendering of the largest frame body.
const maxLineBytes = 1 << 20

// ReadFile loads every record of a capture file. Blank lines are skipped.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return records, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("failed to read capture file: %w", err)
	}
	return records, nil
}

// Payload decodes the record's body.
func (r Record) Payload() ([]byte, error) {
	return hex.DecodeString(r.PayloadHex)
}

// Summary is the traffic of one device within a capture.
type Summary struct {
	Device   string
	Inbound  int
	Outbound int
	Bytes    int
	First    time.Time
	Last     time.Time
}

// Summarize groups records by device, ordered by device id.
func Summarize(records []Record) []Summary {
	byDevice := make(map[string]*Summary)
	for _, r := range records {
		s, ok := byDevice[r.Device]
		if !ok {
			s = &Summary{Device: r.Device, First: r.Timestamp}
			byDevice[r.Device] = s
		}
		switch r.Direction {
		case DirectionInbound:
			s.Inbound++
		case DirectionOutbound:
			s.Outbound++
		}
		s.Bytes += r.PayloadLen
		if r.Timestamp.Before(s.First) {
			s.First = r.Timestamp
		}
		if r.Timestamp.After(s.Last) {
			s.Last = r.Timestamp
		}
	}

	out := make([]Summary, 0, len(byDevice))
	for _, s := range byDevice {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}
