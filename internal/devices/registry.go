// Package devices tracks which device ids are bound to a live connection.
//
// A Registry enforces the "at most one live connection per device" rule. It is
// owned by whoever constructs the servers and passed to each of them, so a
// plain listener and a TLS listener in the same process share one set of
// bound ids.
package devices

import (
	"sort"
	"sync"

	"github.com/muurk/iotgate/internal/protocol"
)

// Registry is a goroutine-safe set of bound device ids.
type Registry struct {
	mu    sync.Mutex
	bound map[protocol.DeviceID]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bound: make(map[protocol.DeviceID]struct{}),
	}
}

// Bind claims id. It returns false if another connection already holds it.
func (r *Registry) Bind(id protocol.DeviceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bound[id]; exists {
		return false
	}
	r.bound[id] = struct{}{}
	return true
}

// Unbind releases id. Releasing an id that is not bound is a no-op.
func (r *Registry) Unbind(id protocol.DeviceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bound, id)
}

// Contains reports whether id is currently bound.
func (r *Registry) Contains(id protocol.DeviceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.bound[id]
	return exists
}

// Len returns the number of bound ids.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bound)
}

// IDs returns the bound ids in ascending order.
func (r *Registry) IDs() []protocol.DeviceID {
	r.mu.Lock()
	ids := make([]protocol.DeviceID, 0, len(r.bound))
	for id := range r.bound {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
