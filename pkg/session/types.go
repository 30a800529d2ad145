// Package session tracks whether a trading session is running and keeps the
// handshake transcript, persisted through a pluggable durable store.
package session

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle of the local session view
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusStarted  Status = "started"
	StatusError    Status = "error"
)

// Role identifies who authored a preview message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessagePhase tracks how far a preview message has progressed
type MessagePhase string

const (
	PhasePending   MessagePhase = "pending"
	PhaseStreaming MessagePhase = "streaming"
	PhaseCompleted MessagePhase = "completed"
	PhaseError     MessagePhase = "error"
)

// PreviewMessage is one turn of the visible handshake transcript
type PreviewMessage struct {
	ID        string       `json:"id"`
	Role      Role         `json:"role"`
	Text      string       `json:"text"`
	Timestamp time.Time    `json:"timestamp"`
	Phase     MessagePhase `json:"phase"`
}

// Persisted is the durable form of a session. An active session always has
// a start time; Normalize enforces it.
type Persisted struct {
	IsActive        bool             `json:"isActive"`
	StartedAt       *time.Time       `json:"startedAt"`
	PreviewMessages []PreviewMessage `json:"previewMessages,omitempty"`
}

// Normalize drops inconsistent state: an inactive session or one without a
// start time is reset to empty.
func (p Persisted) Normalize() Persisted {
	if !p.IsActive || p.StartedAt == nil || p.StartedAt.IsZero() {
		return Persisted{}
	}
	return p
}

// UnmarshalJSON tolerates a missing or unparsable startedAt by clearing it
func (p *Persisted) UnmarshalJSON(data []byte) error {
	var raw struct {
		IsActive        bool             `json:"isActive"`
		StartedAt       any              `json:"startedAt"`
		PreviewMessages []PreviewMessage `json:"previewMessages"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*p = Persisted{IsActive: raw.IsActive, PreviewMessages: raw.PreviewMessages}
	if s, ok := raw.StartedAt.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			p.StartedAt = &t
		}
	}
	return nil
}

// State is the full in-process view of the session
type State struct {
	IsActive        bool
	StartedAt       *time.Time
	Status          Status
	ErrorMessage    string
	PreviewMessages []PreviewMessage
}

func stateFromPersisted(p Persisted) State {
	p = p.Normalize()
	if p.IsActive {
		started := *p.StartedAt
		return State{
			IsActive:        true,
			StartedAt:       &started,
			Status:          StatusStarted,
			PreviewMessages: clonePreview(p.PreviewMessages),
		}
	}
	return State{Status: StatusIdle}
}

func (s State) persisted() Persisted {
	if !s.IsActive || s.StartedAt == nil {
		return Persisted{}
	}
	started := *s.StartedAt
	return Persisted{IsActive: true, StartedAt: &started, PreviewMessages: clonePreview(s.PreviewMessages)}
}

func (s State) clone() State {
	out := s
	if s.StartedAt != nil {
		started := *s.StartedAt
		out.StartedAt = &started
	}
	out.PreviewMessages = clonePreview(s.PreviewMessages)
	return out
}

func clonePreview(in []PreviewMessage) []PreviewMessage {
	if in == nil {
		return nil
	}
	return append([]PreviewMessage(nil), in...)
}

func sameState(a, b State) bool {
	if a.IsActive != b.IsActive || a.Status != b.Status || a.ErrorMessage != b.ErrorMessage {
		return false
	}
	if (a.StartedAt == nil) != (b.StartedAt == nil) {
		return false
	}
	if a.StartedAt != nil && !a.StartedAt.Equal(*b.StartedAt) {
		return false
	}
	if len(a.PreviewMessages) != len(b.PreviewMessages) {
		return false
	}
	for i := range a.PreviewMessages {
		x, y := a.PreviewMessages[i], b.PreviewMessages[i]
		if x.ID != y.ID || x.Role != y.Role || x.Text != y.Text || x.Phase != y.Phase || !x.Timestamp.Equal(y.Timestamp) {
			return false
		}
	}
	return true
}
