// Package stream runs streaming assistant turns against the proxy and
// normalizes both the SSE path and the chat polling fallback into a single
// ordered event log.
package stream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/killallgit/s24/pkg/config"
	"github.com/killallgit/s24/pkg/logger"
)

const (
	defaultMaxEvents    = 1000
	defaultSessionKey   = "agent:main:main"
	defaultHistoryLimit = 60
	defaultPollInterval = 1500 * time.Millisecond
	defaultMaxPoll      = 90 * time.Second
)

// Options configures an Orchestrator
type Options struct {
	// BaseURL is the proxy prefix, e.g. http://localhost:8080/api/openclaw
	BaseURL      string
	SessionKey   string
	HistoryLimit int
	PollInterval time.Duration
	MaxPoll      time.Duration
	MaxEvents    int
	HTTPClient   *http.Client
}

// OptionsFromConfig maps loaded configuration onto Options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:      cfg.Stream.BaseURL,
		SessionKey:   cfg.Stream.SessionKey,
		HistoryLimit: cfg.Stream.HistoryLimit,
		PollInterval: cfg.Stream.PollInterval,
		MaxPoll:      cfg.Stream.MaxPoll,
		MaxEvents:    cfg.Stream.MaxEvents,
	}
}

// Orchestrator owns concurrent turns and the bounded event log they write to.
// All methods are safe for concurrent use.
type Orchestrator struct {
	opts Options
	http *http.Client
	log  *logger.ComponentLogger

	mu              sync.Mutex
	state           State
	lastErr         string
	events          []Event
	seq             uint64
	turns           map[string]*turn
	cancelRequested bool
	subscribers     map[int]chan struct{}
	nextSub         int
}

// New creates an Orchestrator
func New(opts Options) *Orchestrator {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.SessionKey == "" {
		opts.SessionKey = defaultSessionKey
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxPoll <= 0 {
		opts.MaxPoll = defaultMaxPoll
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = defaultMaxEvents
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &Orchestrator{
		opts:        opts,
		http:        client,
		log:         logger.WithComponent("stream"),
		state:       StateIdle,
		turns:       make(map[string]*turn),
		subscribers: make(map[int]chan struct{}),
	}
}

// State returns the aggregate state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Err returns the message of the most recent failure since the last Start
func (o *Orchestrator) Err() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Active returns the number of turns still running
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.turns)
}

// Events returns a copy of the retained log
func (o *Orchestrator) Events() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Event(nil), o.events...)
}

// EventsSince returns retained events with Seq greater than cursor, and the
// cursor to pass next time. Events dropped by the cap or by ClearEvents are
// skipped silently. A cursor ahead of the log is clamped back to its end.
func (o *Orchestrator) EventsSince(cursor uint64) ([]Event, uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if cursor > o.seq {
		cursor = o.seq
	}
	i := len(o.events)
	for i > 0 && o.events[i-1].Seq > cursor {
		i--
	}
	return append([]Event(nil), o.events[i:]...), o.seq
}

// ClearEvents empties the log without resetting sequence numbers
func (o *Orchestrator) ClearEvents() {
	o.mu.Lock()
	o.events = nil
	o.mu.Unlock()
	o.notify()
}

// Subscribe returns a channel that receives a value whenever events or state
// change. Notifications coalesce: a slow reader sees one pending signal.
func (o *Orchestrator) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = ch
	o.mu.Unlock()

	return ch, func() {
		o.mu.Lock()
		delete(o.subscribers, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) notify() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Cancel aborts every in-flight turn and forces the aggregate state to aborted
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	o.cancelRequested = true
	for _, t := range o.turns {
		t.cancel(ErrCancelled)
	}
	o.state = StateAborted
	n := len(o.turns)
	o.mu.Unlock()

	o.log.Info("cancel requested", "turns", n)
	o.notify()
}

// Start begins a turn for prompt and blocks until it has started: response
// headers accepted on the primary path, or chat.send accepted on the
// fallback. The returned stream id keys every event of the turn. Once
// started, the turn is independent of ctx and is stopped only by Cancel.
func (o *Orchestrator) Start(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	turnCtx, cancel := context.WithCancelCause(context.Background())
	t := &turn{
		o:       o,
		id:      uuid.NewString(),
		ctx:     turnCtx,
		cancel:  cancel,
		started: make(chan error, 1),
	}

	o.mu.Lock()
	o.turns[t.id] = t
	o.cancelRequested = false
	o.lastErr = ""
	o.state = StateStarting
	o.mu.Unlock()
	o.notify()

	o.log.Debug("turn starting", "stream_id", t.id)
	go o.run(t, prompt)

	select {
	case err := <-t.started:
		if err != nil {
			return "", err
		}
		return t.id, nil
	case <-ctx.Done():
		t.cancel(ErrCancelled)
		return "", context.Cause(ctx)
	}
}

func (o *Orchestrator) run(t *turn, prompt string) {
	defer o.finish(t)

	err := o.runPrimary(t, prompt)
	if err == nil {
		return
	}

	if t.ctx.Err() != nil {
		if !t.hasStarted() {
			t.started <- ErrCancelled
		}
		o.log.Debug("turn cancelled", "stream_id", t.id)
		return
	}

	msg := err.Error()
	if msg == "" {
		msg = "Failed to stream OpenClaw responses"
	}
	o.fail(t, msg, nil)
	if !t.hasStarted() {
		t.started <- errors.New(msg)
	}
}

// fail records a terminal error for the turn and the aggregate
func (o *Orchestrator) fail(t *turn, msg string, raw any) {
	o.mu.Lock()
	o.lastErr = msg
	o.state = StateError
	o.mu.Unlock()

	o.log.Warn("turn failed", "stream_id", t.id, "error", msg)
	t.emit(Event{Phase: PhaseError, Error: msg, Raw: raw})
}

func (o *Orchestrator) finish(t *turn) {
	t.cancel(nil)

	o.mu.Lock()
	delete(o.turns, t.id)
	switch {
	case len(o.turns) == 0 && o.cancelRequested:
		o.state = StateAborted
	case o.state == StateError:
	case len(o.turns) == 0:
		o.state = StateDone
	default:
		o.state = StateStreaming
	}
	state := o.state
	o.mu.Unlock()

	o.log.Debug("turn finished", "stream_id", t.id, "state", state)
	o.notify()
}

func (o *Orchestrator) push(e Event) {
	o.mu.Lock()
	o.seq++
	e.Seq = o.seq
	o.events = append(o.events, e)
	if over := len(o.events) - o.opts.MaxEvents; over > 0 {
		o.events = append([]Event(nil), o.events[over:]...)
	}
	o.mu.Unlock()
	o.notify()
}

// turn is one logical request/response exchange
type turn struct {
	o      *Orchestrator
	id     string
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu         sync.Mutex
	didStart   bool
	terminated bool
	started    chan error
}

func (t *turn) hasStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.didStart
}

func (t *turn) isTerminated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminated
}

// markStarted emits the single started event and releases Start
func (t *turn) markStarted() {
	t.mu.Lock()
	if t.didStart {
		t.mu.Unlock()
		return
	}
	t.didStart = true
	t.mu.Unlock()

	t.o.mu.Lock()
	if t.o.state != StateError && t.o.state != StateAborted {
		t.o.state = StateStreaming
	}
	t.o.mu.Unlock()

	t.emit(Event{Phase: PhaseStarted})
	t.started <- nil
}

// emit appends an event unless the turn already reached a terminal phase.
// It reports whether the event was recorded.
func (t *turn) emit(e Event) bool {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return false
	}
	if e.Phase.Terminal() {
		t.terminated = true
	}
	t.mu.Unlock()

	e.ID = uuid.NewString()
	e.StreamID = t.id
	e.Timestamp = time.Now()
	t.o.push(e)
	return true
}
