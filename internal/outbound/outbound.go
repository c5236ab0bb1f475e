// Package outbound provides sources of server-to-device messages.
//
// A source hands the event loop a batch of "<device_id> <payload>" strings
// once per tick. Parse turns a batch into one payload per device, and Queue
// and PipeSource are the two sources shipped with the server.
package outbound

import (
	"fmt"
	"strings"

	"github.com/muurk/iotgate/internal/protocol"
)

// Source is polled once per event-loop tick. Poll must not block.
type Source interface {
	Poll() []string
}

// Parse groups entries by device id. Payloads for the same device are
// concatenated in the order they appear. Malformed entries are skipped and
// reported.
func Parse(entries []string) (map[protocol.DeviceID][]byte, []error) {
	if len(entries) == 0 {
		return nil, nil
	}

	out := make(map[protocol.DeviceID][]byte)
	var errs []error
	for _, entry := range entries {
		idPart, payload, ok := strings.Cut(entry, " ")
		if !ok {
			errs = append(errs, fmt.Errorf("outbound entry %q has no payload", entry))
			continue
		}
		id, err := protocol.ParseDeviceID(idPart)
		if err != nil {
			errs = append(errs, fmt.Errorf("outbound entry %q: %w", entry, err))
			continue
		}
		out[id] = append(out[id], payload...)
	}
	return out, errs
}

// Format builds an entry in the form Parse expects.
func Format(id protocol.DeviceID, payload string) string {
	return id.String() + " " + payload
}

// None is a source that never has anything to send.
type None struct{}

// Poll implements Source.
func (None) Poll() []string { return nil }
