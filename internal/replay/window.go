// Package replay implements the per-connection replay window.
//
// The window remembers the device timestamps accepted on one connection and
// decides whether a new timestamp is fresh, replayed, out of drift, or a sign
// of a flood. It only defends a device against its own replayed traffic; it
// is not shared between connections and is not safe for concurrent use.
package replay

import (
	"fmt"
	"time"

	"github.com/muurk/iotgate/internal/protocol"
)

const (
	// MaxEntries is the number of timestamps kept before the window is
	// treated as a flood.
	MaxEntries = 333
	// MaxDrift is the allowed distance between device and server clocks, and
	// the quiet gap after which the window starts a new burst.
	MaxDrift = 3 * time.Second
)

// Verdict is the outcome of a window check.
type Verdict int

const (
	// Accepted means the timestamp is fresh and was stored.
	Accepted Verdict = iota
	// Replayed means the timestamp is already in the window.
	Replayed
	// Drifted means the timestamp is more than MaxDrift away from server time.
	Drifted
	// Boundary means the drift is exactly MaxDrift in whole seconds. The frame
	// is dropped without being stored or rejected.
	Boundary
	// Flooded means the window is full without a purge.
	Flooded
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Replayed:
		return "replayed"
	case Drifted:
		return "drifted"
	case Boundary:
		return "boundary"
	case Flooded:
		return "flooded"
	default:
		return fmt.Sprintf("Verdict(%d)", v)
	}
}

// Window is the ordered record of recently accepted timestamps.
type Window struct {
	stamps []string
	seen   map[string]struct{}
	newest time.Time
}

// New returns an empty window.
func New() *Window {
	return &Window{
		stamps: make([]string, 0, MaxEntries),
		seen:   make(map[string]struct{}, MaxEntries),
	}
}

// Len returns the number of stored timestamps.
func (w *Window) Len() int {
	return len(w.stamps)
}

// Contains reports whether stamp is in the window.
func (w *Window) Contains(stamp string) bool {
	_, ok := w.seen[stamp]
	return ok
}

// Reset clears the window.
func (w *Window) Reset() {
	w.stamps = w.stamps[:0]
	w.seen = make(map[string]struct{}, MaxEntries)
	w.newest = time.Time{}
}

// Check decides whether stamp (HH.MM.SS.ffffff) is acceptable at server time
// now. An error is returned only when stamp cannot be parsed.
func (w *Window) Check(stamp string, now time.Time) (Verdict, error) {
	if w.Contains(stamp) {
		return Replayed, nil
	}

	if len(w.stamps) >= MaxEntries {
		return Flooded, nil
	}

	t, err := time.Parse(protocol.TimeLayout, stamp)
	if err != nil {
		return Drifted, fmt.Errorf("invalid timestamp %q: %w", stamp, err)
	}
	server := timeOfDay(now)

	if len(w.stamps) > 0 && abs(clockDiff(server, w.newest)) > MaxDrift {
		w.Reset()
	}

	// Whole seconds, like a timedelta's seconds field.
	drift := int64(abs(clockDiff(t, server)) / time.Second)
	maxDrift := int64(MaxDrift / time.Second)

	switch {
	case drift > maxDrift:
		return Drifted, nil
	case drift < maxDrift:
		w.stamps = append(w.stamps, stamp)
		w.seen[stamp] = struct{}{}
		w.newest = t
		return Accepted, nil
	default:
		return Boundary, nil
	}
}

// timeOfDay projects now onto the zero date used by time.Parse so the two
// clocks can be subtracted.
func timeOfDay(now time.Time) time.Time {
	return time.Date(0, time.January, 1, now.Hour(), now.Minute(), now.Second(), now.Nanosecond(), time.UTC)
}

// clockDiff returns a-b folded into (-12h, 12h] so that a device and a
// server on opposite sides of midnight compare by their real distance.
func clockDiff(a, b time.Time) time.Duration {
	d := a.Sub(b)
	const day = 24 * time.Hour
	for d > day/2 {
		d -= day
	}
	for d <= -day/2 {
		d += day
	}
	return d
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
