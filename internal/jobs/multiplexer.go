package jobs

import (
	"sync"

	"go.uber.org/zap"
)

// Multiplexer tracks the progress listeners attached to each job and fans
// snapshots out to them. Delivery is best-effort and never blocks the job's
// execution task: a full sink drops the snapshot and a closed sink is
// detached. Sinks are owned by the transport layer; the multiplexer never
// closes them.
type Multiplexer[T any] struct {
	mu     sync.Mutex
	sinks  map[ID]map[chan T]struct{}
	logger *zap.Logger
}

// NewMultiplexer creates an empty multiplexer.
func NewMultiplexer[T any](logger *zap.Logger) *Multiplexer[T] {
	return &Multiplexer[T]{
		sinks:  make(map[ID]map[chan T]struct{}),
		logger: logger,
	}
}

// Add registers a sink for the job. Adding the same sink twice is a no-op.
func (m *Multiplexer[T]) Add(id ID, sink chan T) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sinks[id]
	if !ok {
		set = make(map[chan T]struct{})
		m.sinks[id] = set
	}
	set[sink] = struct{}{}
}

// Remove detaches a sink from the job. Unknown ids or sinks are a no-op.
func (m *Multiplexer[T]) Remove(id ID, sink chan T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id, sink)
}

func (m *Multiplexer[T]) removeLocked(id ID, sink chan T) {
	set, ok := m.sinks[id]
	if !ok {
		return
	}
	delete(set, sink)
	if len(set) == 0 {
		delete(m.sinks, id)
	}
}

// Listeners returns the number of sinks attached to the job.
func (m *Multiplexer[T]) Listeners(id ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sinks[id])
}

// Notify delivers v to every sink registered for the job. It returns the
// number of snapshots dropped because a sink was full or closed.
func (m *Multiplexer[T]) Notify(id ID, v T) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped int
	for sink := range m.sinks[id] {
		if !m.trySend(id, sink, v) {
			dropped++
		}
	}
	return dropped
}

// trySend attempts a non-blocking send. A send on a closed sink panics; the
// sink is treated as stale and detached.
func (m *Multiplexer[T]) trySend(id ID, sink chan T, v T) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Debug("detaching closed progress sink", zap.String("job_id", id.String()))
			m.removeLocked(id, sink)
			ok = false
		}
	}()

	select {
	case sink <- v:
		return true
	default:
		m.logger.Debug("progress sink full, dropping snapshot", zap.String("job_id", id.String()))
		return false
	}
}

// Forget detaches every sink registered for the job. Used when a terminal
// snapshot has been delivered and the job's listener set is no longer needed.
func (m *Multiplexer[T]) Forget(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sinks, id)
}
