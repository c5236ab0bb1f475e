package outbound

import (
	"sync"

	"github.com/muurk/iotgate/internal/protocol"
)

// DefaultQueueCapacity bounds the number of pending entries per device.
const DefaultQueueCapacity = 64

// Queue is an in-memory Source that application code can push to from any
// goroutine. When a device's backlog is full the oldest entry is dropped.
type Queue struct {
	mu       sync.Mutex
	capacity int
	order    []protocol.DeviceID
	pending  map[protocol.DeviceID][]string
	dropped  int
}

// NewQueue creates a queue holding at most capacity entries per device.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		capacity: capacity,
		pending:  make(map[protocol.DeviceID][]string),
	}
}

// Push queues payload for device id.
func (q *Queue) Push(id protocol.DeviceID, payload string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	backlog, exists := q.pending[id]
	if !exists {
		q.order = append(q.order, id)
	}
	if len(backlog) >= q.capacity {
		backlog = backlog[1:]
		q.dropped++
	}
	q.pending[id] = append(backlog, Format(id, payload))
}

// Poll implements Source. It returns everything pushed since the last call.
func (q *Queue) Poll() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return nil
	}
	var out []string
	for _, id := range q.order {
		out = append(out, q.pending[id]...)
	}
	q.order = q.order[:0]
	q.pending = make(map[protocol.DeviceID][]string)
	return out
}

// Dropped returns how many entries were discarded because a backlog was full.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
