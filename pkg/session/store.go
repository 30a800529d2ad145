package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/killallgit/s24/pkg/logger"
)

const defaultErrorMessage = "Failed to start trading session"

// Store is the session state machine. Only an active session and its
// transcript reach durable storage; starting and error are local states.
type Store struct {
	durable Durable
	log     *logger.ComponentLogger

	mu          sync.Mutex
	state       State
	subscribers map[int]chan struct{}
	nextSub     int
}

// NewStore loads the persisted session from durable
func NewStore(durable Durable) (*Store, error) {
	p, err := durable.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &Store{
		durable:     durable,
		log:         logger.WithComponent("session"),
		state:       stateFromPersisted(p),
		subscribers: make(map[int]chan struct{}),
	}, nil
}

// Snapshot returns a copy of the current state
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Status returns the current lifecycle status
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status
}

// Subscribe returns a coalescing change signal and its cancel func
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// update applies fn under the lock, persists when the session is active and
// persist is set, then notifies subscribers.
func (s *Store) update(persist bool, fn func(st *State)) error {
	s.mu.Lock()
	fn(&s.state)
	snapshot := s.state.persisted()
	active := s.state.IsActive
	s.mu.Unlock()

	var err error
	if persist && active {
		err = s.durable.Save(snapshot)
		if err != nil {
			s.log.Error("failed to persist session", "error", err)
		}
	}
	s.notify()
	return err
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// SetStarting marks a handshake in progress
func (s *Store) SetStarting() {
	s.update(false, func(st *State) {
		*st = State{Status: StatusStarting, PreviewMessages: st.PreviewMessages}
	})
}

// SetIdle resets to no session without touching storage
func (s *Store) SetIdle() {
	s.update(false, func(st *State) {
		*st = State{Status: StatusIdle, PreviewMessages: st.PreviewMessages}
	})
}

// SetError records a failed start
func (s *Store) SetError(message string) {
	if strings.TrimSpace(message) == "" {
		message = defaultErrorMessage
	}
	s.log.Warn("session error", "message", message)
	s.update(false, func(st *State) {
		*st = State{Status: StatusError, ErrorMessage: message, PreviewMessages: st.PreviewMessages}
	})
}

// StartSession marks the session active from startedAt and persists it
// along with the current transcript.
func (s *Store) StartSession(startedAt time.Time) error {
	startedAt = startedAt.UTC()
	s.log.Info("session started", "started_at", startedAt.Format(time.RFC3339))
	return s.update(true, func(st *State) {
		*st = State{
			IsActive:        true,
			StartedAt:       &startedAt,
			Status:          StatusStarted,
			PreviewMessages: st.PreviewMessages,
		}
	})
}

// EndSession clears storage and the transcript
func (s *Store) EndSession() error {
	err := s.durable.Clear()
	if err != nil {
		s.log.Error("failed to clear session", "error", err)
	}
	s.update(false, func(st *State) {
		*st = State{Status: StatusIdle}
	})
	return err
}

// AppendPreviewMessage adds m to the transcript, filling in an id and
// timestamp when missing. It returns the message id.
func (s *Store) AppendPreviewMessage(m PreviewMessage) string {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if m.Phase == "" {
		m.Phase = PhasePending
	}

	s.update(true, func(st *State) {
		st.PreviewMessages = append(clonePreview(st.PreviewMessages), m)
	})
	return m.ID
}

// AppendPreviewMessageText appends text to message id and sets its phase.
// Unknown ids are ignored.
func (s *Store) AppendPreviewMessageText(id, text string, phase MessagePhase) {
	s.update(true, func(st *State) {
		st.PreviewMessages = mapPreview(st.PreviewMessages, id, func(m *PreviewMessage) {
			m.Text += text
			if phase != "" {
				m.Phase = phase
			}
		})
	})
}

// SetPreviewMessagePhase replaces the phase of message id
func (s *Store) SetPreviewMessagePhase(id string, phase MessagePhase) {
	s.update(true, func(st *State) {
		st.PreviewMessages = mapPreview(st.PreviewMessages, id, func(m *PreviewMessage) {
			m.Phase = phase
		})
	})
}

// ClearPreviewMessages empties the transcript
func (s *Store) ClearPreviewMessages() {
	s.update(true, func(st *State) {
		st.PreviewMessages = nil
	})
}

func mapPreview(in []PreviewMessage, id string, fn func(*PreviewMessage)) []PreviewMessage {
	out := clonePreview(in)
	for i := range out {
		if out[i].ID == id {
			fn(&out[i])
		}
	}
	return out
}

// Sync reloads from durable storage. A local starting or error status is
// kept when storage reports no session, since neither is ever persisted.
func (s *Store) Sync() error {
	p, err := s.durable.Load()
	if err != nil {
		return fmt.Errorf("failed to reload session: %w", err)
	}
	next := stateFromPersisted(p)

	s.mu.Lock()
	prev := s.state
	keepTransient := (prev.Status == StatusError || prev.Status == StatusStarting) && next.Status == StatusIdle
	changed := !keepTransient && !sameState(prev, next)
	if changed {
		s.state = next
	}
	s.mu.Unlock()

	if changed {
		s.log.Debug("session synced from storage", "status", next.Status)
		s.notify()
	}
	return nil
}

// Watch keeps the store in sync with durable storage until ctx is done
func (s *Store) Watch(ctx context.Context) error {
	return s.durable.Watch(ctx, func() {
		if err := s.Sync(); err != nil {
			s.log.Warn("sync failed", "error", err)
		}
	})
}
