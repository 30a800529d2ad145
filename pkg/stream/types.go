package stream

import (
	"errors"
	"time"
)

// Phase is the kind of observation an Event records for a stream
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseDelta     Phase = "delta"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

// Terminal reports whether no further events may follow this phase
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

// State is the aggregate state over all turns owned by an Orchestrator
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateStreaming State = "streaming"
	StateDone      State = "done"
	StateError     State = "error"
	StateAborted   State = "aborted"
)

// Event is one observation for a stream. Seq increases monotonically across
// the whole log and survives truncation and clearing, so consumers can use it
// as a read cursor.
type Event struct {
	Seq       uint64    `json:"seq"`
	ID        string    `json:"id"`
	StreamID  string    `json:"streamId"`
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"ts"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	// Raw is the decoded frame or history payload. Non-JSON payloads are
	// kept as their string form.
	Raw any `json:"raw,omitempty"`
}

var (
	// ErrCancelled is returned by Start when the turn is cancelled before it starts
	ErrCancelled = errors.New("Responses stream was cancelled")
	// ErrEmptyPrompt rejects blank prompts before any request is made
	ErrEmptyPrompt = errors.New("Prompt cannot be empty")
)
