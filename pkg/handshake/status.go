package handshake

import "sync"

// Status is the reduced view of one stream as far as the handshake cares.
// Completed never reverts to false.
type Status struct {
	HasAssistantReply bool
	Completed         bool
	Error             string

	deltas    int
	cancelled bool
}

// statusRegistry holds per-stream status with a broadcast channel that is
// closed and replaced on every change.
type statusRegistry struct {
	mu      sync.Mutex
	entries map[string]*statusEntry
}

type statusEntry struct {
	status  Status
	changed chan struct{}
}

func newStatusRegistry() *statusRegistry {
	return &statusRegistry{entries: make(map[string]*statusEntry)}
}

func (r *statusRegistry) entry(streamID string) *statusEntry {
	e, ok := r.entries[streamID]
	if !ok {
		e = &statusEntry{changed: make(chan struct{})}
		r.entries[streamID] = e
	}
	return e
}

// watch returns the current status and a channel closed on the next change
func (r *statusRegistry) watch(streamID string) (Status, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(streamID)
	return e.status, e.changed
}

func (r *statusRegistry) get(streamID string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[streamID]
	if !ok {
		return Status{}, false
	}
	return e.status, true
}

func (r *statusRegistry) update(streamID string, fn func(*Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(streamID)
	wasCompleted := e.status.Completed
	fn(&e.status)
	if wasCompleted {
		e.status.Completed = true
	}
	close(e.changed)
	e.changed = make(chan struct{})
}

// cancelAll marks every known stream as cancelled and wakes its waiters
func (r *statusRegistry) cancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.status = Status{Completed: true, Error: cancelledMessage, cancelled: true}
		close(e.changed)
		e.changed = make(chan struct{})
	}
	return len(r.entries)
}

func (r *statusRegistry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	// wake anything still parked on the old entries
	for _, e := range r.entries {
		close(e.changed)
	}
	r.entries = make(map[string]*statusEntry)
}
