// Package handshake drives the two-step conversation that starts a paper
// trading session and turns the stream event log into a transcript.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/killallgit/s24/pkg/config"
	"github.com/killallgit/s24/pkg/logger"
	"github.com/killallgit/s24/pkg/session"
	"github.com/killallgit/s24/pkg/stream"
)

const (
	NewSessionPrompt        = "/new"
	StartPaperTradingPrompt = "start paper trading on solana devnet"

	startingMessage    = "Starting trading handshake..."
	cancelledMessage   = "Trading handshake was cancelled"
	streamFailedMessage = "OpenClaw stream failed."

	defaultWaitTimeout  = 90 * time.Second
	defaultSettleWindow = time.Second
)

var (
	ErrCancelled = errors.New(cancelledMessage)
	ErrTimeout   = errors.New("timed out waiting for assistant reply")
	ErrNoReply   = errors.New("no assistant reply")
	ErrDisabled  = errors.New("trading handshake is disabled")
)

// waitError carries a user-facing message and a sentinel kind
type waitError struct {
	msg  string
	kind error
}

func (e *waitError) Error() string { return e.msg }
func (e *waitError) Unwrap() error { return e.kind }

// Streamer is the slice of the stream orchestrator the handshake uses
type Streamer interface {
	Start(ctx context.Context, prompt string) (string, error)
	Cancel()
	ClearEvents()
	EventsSince(cursor uint64) ([]stream.Event, uint64)
	State() stream.State
	Subscribe() (<-chan struct{}, func())
}

// Session receives transcript and lifecycle updates
type Session interface {
	Status() session.Status
	SetStarting()
	SetError(message string)
	StartSession(startedAt time.Time) error
	AppendPreviewMessage(m session.PreviewMessage) string
	AppendPreviewMessageText(id, text string, phase session.MessagePhase)
	SetPreviewMessagePhase(id string, phase session.MessagePhase)
	ClearPreviewMessages()
}

// Invalidator refreshes cached views after a session starts
type Invalidator interface {
	Invalidate(keys ...string)
}

// InvalidatorFunc adapts a function to Invalidator
type InvalidatorFunc func(keys ...string)

func (f InvalidatorFunc) Invalidate(keys ...string) { f(keys...) }

// Options tunes handshake timing
type Options struct {
	WaitTimeout  time.Duration
	SettleWindow time.Duration
	Now          func() time.Time
}

// OptionsFromConfig maps loaded configuration onto Options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WaitTimeout:  cfg.Handshake.WaitTimeout,
		SettleWindow: cfg.Handshake.SettleWindow,
	}
}

// Handshake reduces stream events into the session transcript and runs
// Launch.
type Handshake struct {
	streams    Streamer
	session    Session
	invalidate Invalidator
	opts       Options
	log        *logger.ComponentLogger

	statuses   *statusRegistry
	killSwitch atomic.Bool
	launching  atomic.Bool

	mu              sync.Mutex
	cursor          uint64
	messageByStream map[string]string
	textByStream    map[string]string
	lastState       stream.State
}

// New creates a Handshake. invalidate may be nil.
func New(streams Streamer, sess Session, invalidate Invalidator, opts Options) *Handshake {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = defaultWaitTimeout
	}
	if opts.SettleWindow <= 0 {
		opts.SettleWindow = defaultSettleWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if invalidate == nil {
		invalidate = InvalidatorFunc(func(...string) {})
	}

	return &Handshake{
		streams:         streams,
		session:         sess,
		invalidate:      invalidate,
		opts:            opts,
		log:             logger.WithComponent("handshake"),
		statuses:        newStatusRegistry(),
		messageByStream: make(map[string]string),
		textByStream:    make(map[string]string),
		lastState:       streams.State(),
	}
}

// Run reduces new stream events as they arrive until ctx is done
func (h *Handshake) Run(ctx context.Context) error {
	changed, unsubscribe := h.streams.Subscribe()
	defer unsubscribe()

	h.Reduce()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			h.Reduce()
		}
	}
}

// Reduce applies every event past the cursor and propagates an abort of the
// stream orchestrator to all waiters.
func (h *Handshake) Reduce() {
	h.mu.Lock()
	events, next := h.streams.EventsSince(h.cursor)
	h.cursor = next
	for _, e := range events {
		h.apply(e)
	}

	state := h.streams.State()
	aborted := state == stream.StateAborted && h.lastState != stream.StateAborted
	h.lastState = state
	h.mu.Unlock()

	if aborted {
		h.cancelWaiters()
	}
}

// apply folds one event into the transcript. Caller holds h.mu.
func (h *Handshake) apply(e stream.Event) {
	messageID, exists := h.messageByStream[e.StreamID]
	if !exists {
		messageID = "assistant-" + e.StreamID
		h.messageByStream[e.StreamID] = messageID
	}

	ensureMessage := func(text string, phase session.MessagePhase) {
		if !exists {
			h.session.AppendPreviewMessage(session.PreviewMessage{
				ID:    messageID,
				Role:  session.RoleAssistant,
				Text:  text,
				Phase: phase,
			})
		}
	}

	switch e.Phase {
	case stream.PhaseStarted:
		if _, ok := h.textByStream[e.StreamID]; !ok {
			h.textByStream[e.StreamID] = ""
		}
		ensureMessage("", session.PhaseStreaming)

	case stream.PhaseDelta:
		ensureMessage("", session.PhaseStreaming)
		h.session.AppendPreviewMessageText(messageID, e.Text, session.PhaseStreaming)
		if strings.TrimSpace(e.Text) != "" {
			h.textByStream[e.StreamID] += e.Text
			h.statuses.update(e.StreamID, func(s *Status) {
				s.HasAssistantReply = true
				s.deltas++
			})
		}

	case stream.PhaseCompleted:
		current := h.textByStream[e.StreamID]
		if final, ok := stream.LatestAssistantText(e.Raw); ok && final != current {
			if suffix := stream.Suffix(current, final); suffix != "" {
				h.session.AppendPreviewMessageText(messageID, suffix, session.PhaseCompleted)
			}
			h.textByStream[e.StreamID] = final
		}
		h.session.SetPreviewMessagePhase(messageID, session.PhaseCompleted)
		hasReply := strings.TrimSpace(h.textByStream[e.StreamID]) != ""
		h.statuses.update(e.StreamID, func(s *Status) {
			s.Completed = true
			s.HasAssistantReply = hasReply
		})

	case stream.PhaseError:
		msg := e.Error
		if msg == "" {
			msg = streamFailedMessage
		}
		if !exists {
			ensureMessage(msg, session.PhaseError)
		} else if e.Error != "" {
			h.session.AppendPreviewMessageText(messageID, "\n"+e.Error, session.PhaseError)
		}
		h.session.SetPreviewMessagePhase(messageID, session.PhaseError)
		h.statuses.update(e.StreamID, func(s *Status) {
			s.Completed = true
			s.Error = msg
		})
	}
}

// StreamStatus returns the reduced status for a stream
func (h *Handshake) StreamStatus(streamID string) (Status, bool) {
	return h.statuses.get(streamID)
}

// StreamText returns the accumulated assistant text for a stream
func (h *Handshake) StreamText(streamID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.textByStream[streamID]
}

func (h *Handshake) cancelWaiters() {
	n := h.statuses.cancelAll()
	h.log.Info("handshake cancelled", "streams", n)
}

// Cancel aborts in-flight streams and rejects every outstanding wait
func (h *Handshake) Cancel() {
	h.streams.Cancel()
	h.cancelWaiters()
}

// SetKillSwitch records the kill switch state. Turning it on cancels any
// outstanding stream immediately.
func (h *Handshake) SetKillSwitch(active bool) {
	was := h.killSwitch.Swap(active)
	if active && !was {
		h.log.Warn("kill switch active, cancelling streams")
		h.Cancel()
	}
}

// Disabled reports whether Launch would refuse to run
func (h *Handshake) Disabled() bool {
	if h.killSwitch.Load() || h.launching.Load() {
		return true
	}
	switch h.session.Status() {
	case session.StatusStarting, session.StatusStarted:
		return true
	}
	return false
}

// WaitForAssistantTurn blocks until streamID has produced an assistant
// reply. It resolves on completion with a reply, or once no new delta has
// arrived for the settle window. It fails on error, on completion without a
// reply, on cancellation, or when the hard timeout passes first.
func (h *Handshake) WaitForAssistantTurn(ctx context.Context, streamID, label string) error {
	hard := time.NewTimer(h.opts.WaitTimeout)
	defer hard.Stop()

	var (
		settle  *time.Timer
		settleC <-chan time.Time
		last    Status
	)
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	if h.streams.State() == stream.StateAborted {
		return ErrCancelled
	}

	// reduce here too so a wait makes progress without Run
	events, unsubscribe := h.streams.Subscribe()
	defer unsubscribe()
	h.Reduce()

	for {
		status, changed := h.statuses.watch(streamID)

		switch {
		case status.cancelled:
			return ErrCancelled
		case status.Error != "":
			return errors.New(status.Error)
		case status.HasAssistantReply && status.Completed:
			return nil
		case status.HasAssistantReply:
			if settle == nil || status != last {
				if settle != nil {
					settle.Stop()
				}
				settle = time.NewTimer(h.opts.SettleWindow)
				settleC = settle.C
			}
		case status.Completed:
			return &waitError{
				msg:  fmt.Sprintf("OpenClaw did not send an assistant reply after %q", label),
				kind: ErrNoReply,
			}
		}
		last = status

		select {
		case <-changed:
		case <-events:
			h.Reduce()
		case <-settleC:
			return nil
		case <-hard.C:
			return &waitError{
				msg:  fmt.Sprintf("Timed out waiting for OpenClaw reply after %q", label),
				kind: ErrTimeout,
			}
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// Launch runs the handshake: reset the agent session, ask it to start paper
// trading, then mark the trading session started. Any failure marks the
// session as errored and stops before the next step.
func (h *Handshake) Launch(ctx context.Context) error {
	if h.Disabled() || !h.launching.CompareAndSwap(false, true) {
		return ErrDisabled
	}
	defer h.launching.Store(false)

	h.reset()
	h.session.ClearPreviewMessages()
	h.session.SetStarting()
	h.log.Info("launch started")

	if err := h.launch(ctx); err != nil {
		h.log.Warn("launch failed", "error", err)
		h.session.SetError(err.Error())
		return err
	}

	h.log.Info("launch complete")
	return nil
}

func (h *Handshake) launch(ctx context.Context) error {
	h.session.AppendPreviewMessage(session.PreviewMessage{
		Role:  session.RoleSystem,
		Text:  startingMessage,
		Phase: session.PhaseCompleted,
	})

	for _, prompt := range []string{NewSessionPrompt, StartPaperTradingPrompt} {
		if err := h.step(ctx, prompt); err != nil {
			return err
		}
	}
	if h.killSwitch.Load() {
		return ErrCancelled
	}

	if err := h.session.StartSession(h.opts.Now()); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	h.invalidate.Invalidate("orders", "fills")
	return nil
}

// step sends one prompt and waits for its reply. The kill switch is checked
// before the prompt goes out and again once the turn has started, since
// starting a turn clears an earlier stream cancel.
func (h *Handshake) step(ctx context.Context, prompt string) error {
	h.session.AppendPreviewMessage(session.PreviewMessage{
		Role:  session.RoleUser,
		Text:  prompt,
		Phase: session.PhaseCompleted,
	})
	if h.killSwitch.Load() {
		return ErrCancelled
	}

	streamID, err := h.streams.Start(ctx, prompt)
	if errors.Is(err, stream.ErrCancelled) {
		return ErrCancelled
	}
	if err != nil {
		return err
	}
	if h.killSwitch.Load() {
		h.Cancel()
		return ErrCancelled
	}
	h.log.Debug("step started", "prompt", prompt, "stream_id", streamID)

	return h.WaitForAssistantTurn(ctx, streamID, prompt)
}

// reset clears per-launch state and skips anything already in the log
func (h *Handshake) reset() {
	h.streams.ClearEvents()

	h.mu.Lock()
	defer h.mu.Unlock()
	_, h.cursor = h.streams.EventsSince(^uint64(0))
	h.messageByStream = make(map[string]string)
	h.textByStream = make(map[string]string)
	h.statuses.reset()
}
