package handshake

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/killallgit/s24/pkg/session"
	"github.com/killallgit/s24/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResponses serves /responses with a scripted reply per prompt. A prompt
// without a script holds the stream open until the client goes away.
type fakeResponses struct {
	mu      sync.Mutex
	prompts []string
	scripts map[string][]string
	release chan struct{}
}

func (f *fakeResponses) handle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Input string `json:"input"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	io.Copy(io.Discard, r.Body)

	f.mu.Lock()
	f.prompts = append(f.prompts, body.Input)
	frames, scripted := f.scripts[body.Input]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	flusher.Flush()

	for _, frame := range frames {
		fmt.Fprint(w, frame)
		flusher.Flush()
	}
	if !scripted || len(frames) == 0 || frames[len(frames)-1] == "" {
		select {
		case <-r.Context().Done():
		case <-f.release:
		}
	}
}

func (f *fakeResponses) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

type harness struct {
	server      *fakeResponses
	streams     *stream.Orchestrator
	session     *session.Store
	handshake   *Handshake
	invalidated []string
}

func newHarness(t *testing.T, scripts map[string][]string, opts Options) *harness {
	t.Helper()

	fake := &fakeResponses{scripts: scripts, release: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/openclaw/responses", fake.handle)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	streams := stream.New(stream.Options{BaseURL: server.URL + "/api/openclaw"})
	t.Cleanup(func() {
		close(fake.release)
		streams.Cancel()
	})

	store, err := session.NewStore(session.NewMemoryStore())
	require.NoError(t, err)

	h := &harness{server: fake, streams: streams, session: store}
	var mu sync.Mutex
	h.handshake = New(streams, store, InvalidatorFunc(func(keys ...string) {
		mu.Lock()
		defer mu.Unlock()
		h.invalidated = append(h.invalidated, keys...)
	}), opts)
	return h
}

const (
	helloFrames = "data: {\"delta\":\"Hel\"}\n\ndata: {\"delta\":\"lo\"}\n\ndata: [DONE]\n\n"
	readyFrames = "data: {\"delta\":\"Paper trading started\"}\n\ndata: [DONE]\n\n"
)

func TestLaunchRunsBothSteps(t *testing.T) {
	h := newHarness(t, map[string][]string{
		NewSessionPrompt:        {helloFrames},
		StartPaperTradingPrompt: {readyFrames},
	}, Options{WaitTimeout: 2 * time.Second, SettleWindow: time.Second})

	require.NoError(t, h.handshake.Launch(context.Background()))

	assert.Equal(t, []string{NewSessionPrompt, StartPaperTradingPrompt}, h.server.seen())

	st := h.session.Snapshot()
	assert.Equal(t, session.StatusStarted, st.Status)
	assert.True(t, st.IsActive)
	require.NotNil(t, st.StartedAt)

	var transcript []string
	for _, m := range st.PreviewMessages {
		transcript = append(transcript, string(m.Role)+": "+m.Text)
	}
	assert.Equal(t, []string{
		"system: Starting trading handshake...",
		"user: /new",
		"assistant: Hello",
		"user: start paper trading on solana devnet",
		"assistant: Paper trading started",
	}, transcript)
	for _, m := range st.PreviewMessages {
		assert.Equal(t, session.PhaseCompleted, m.Phase, m.Text)
	}

	assert.Equal(t, []string{"orders", "fills"}, h.invalidated)
	assert.True(t, h.handshake.Disabled(), "a started session disables launch")
}

func TestLaunchStopsWhenFirstStepTimesOut(t *testing.T) {
	h := newHarness(t, map[string][]string{
		StartPaperTradingPrompt: {readyFrames},
	}, Options{WaitTimeout: 100 * time.Millisecond, SettleWindow: time.Second})

	err := h.handshake.Launch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.EqualError(t, err, `Timed out waiting for OpenClaw reply after "/new"`)

	st := h.session.Snapshot()
	assert.Equal(t, session.StatusError, st.Status)
	assert.Equal(t, err.Error(), st.ErrorMessage)
	assert.False(t, st.IsActive)

	// the second prompt never opened a stream
	assert.Equal(t, []string{NewSessionPrompt}, h.server.seen())
	assert.Empty(t, h.invalidated)
	assert.False(t, h.handshake.Disabled(), "an errored session can be relaunched")
}

func TestWaitResolvesAfterSettleWindow(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"quiet": {"data: {\"delta\":\"Hi\"}\n\n", ""},
	}, Options{WaitTimeout: 2 * time.Second, SettleWindow: 50 * time.Millisecond})

	id, err := h.streams.Start(context.Background(), "quiet")
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, h.handshake.WaitForAssistantTurn(context.Background(), id, "quiet"))
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, "Hi", h.handshake.StreamText(id))
	status, ok := h.handshake.StreamStatus(id)
	require.True(t, ok)
	assert.True(t, status.HasAssistantReply)
	assert.False(t, status.Completed)
}

func TestWaitRejectsCompletionWithoutReply(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"silent": {"data: {\"delta\":\"   \"}\n\ndata: [DONE]\n\n"},
	}, Options{WaitTimeout: 2 * time.Second})

	id, err := h.streams.Start(context.Background(), "silent")
	require.NoError(t, err)

	err = h.handshake.WaitForAssistantTurn(context.Background(), id, "silent")
	assert.ErrorIs(t, err, ErrNoReply)
	assert.EqualError(t, err, `OpenClaw did not send an assistant reply after "silent"`)
}

func TestWaitRejectsStreamError(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"broken": {"event: response.error\ndata: {\"error\":{\"message\":\"quota exceeded\"}}\n\n"},
	}, Options{WaitTimeout: 2 * time.Second})

	id, err := h.streams.Start(context.Background(), "broken")
	require.NoError(t, err)

	err = h.handshake.WaitForAssistantTurn(context.Background(), id, "broken")
	assert.EqualError(t, err, "quota exceeded")

	msgs := h.session.Snapshot().PreviewMessages
	require.Len(t, msgs, 1)
	assert.Equal(t, "assistant-"+id, msgs[0].ID)
	assert.Equal(t, session.PhaseError, msgs[0].Phase)
}

func TestCompletionReconcilesFinalText(t *testing.T) {
	completed := `{"type":"response.completed","response":{"output":[{"role":"assistant","content":[{"type":"output_text","text":"Hello world"}]}]}}`
	h := newHarness(t, map[string][]string{
		"greet": {"data: {\"delta\":\"Hello\"}\n\n", "event: response.completed\ndata: " + completed + "\n\n"},
	}, Options{WaitTimeout: 2 * time.Second})

	h.session.AppendPreviewMessage(session.PreviewMessage{Role: session.RoleUser, Text: "greet"})
	id, err := h.streams.Start(context.Background(), "greet")
	require.NoError(t, err)
	require.NoError(t, h.handshake.WaitForAssistantTurn(context.Background(), id, "greet"))

	assert.Equal(t, "Hello world", h.handshake.StreamText(id))
	msgs := h.session.Snapshot().PreviewMessages
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello world", msgs[1].Text)
	assert.Equal(t, session.PhaseCompleted, msgs[1].Phase)
}

func TestCancelRejectsOutstandingWaits(t *testing.T) {
	h := newHarness(t, nil, Options{WaitTimeout: 5 * time.Second})

	id, err := h.streams.Start(context.Background(), "hang")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- h.handshake.WaitForAssistantTurn(context.Background(), id, "hang")
	}()

	time.Sleep(20 * time.Millisecond)
	h.handshake.Cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after cancel")
	}

	// a wait that begins after the abort fails straight away
	assert.ErrorIs(t, h.handshake.WaitForAssistantTurn(context.Background(), id, "hang"), ErrCancelled)
}

func TestWaitHonoursContext(t *testing.T) {
	h := newHarness(t, nil, Options{WaitTimeout: 5 * time.Second})

	id, err := h.streams.Start(context.Background(), "hang")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.handshake.WaitForAssistantTurn(ctx, id, "hang"), context.DeadlineExceeded)
}

func TestKillSwitchCancelsLaunch(t *testing.T) {
	h := newHarness(t, nil, Options{WaitTimeout: 5 * time.Second})

	done := make(chan error, 1)
	go func() { done <- h.handshake.Launch(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(h.server.seen()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, h.handshake.Disabled(), "launch in progress")

	h.handshake.SetKillSwitch(true)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("launch did not stop")
	}

	st := h.session.Snapshot()
	assert.Equal(t, session.StatusError, st.Status)
	assert.Equal(t, "Trading handshake was cancelled", st.ErrorMessage)

	assert.True(t, h.handshake.Disabled())
	assert.ErrorIs(t, h.handshake.Launch(context.Background()), ErrDisabled)

	h.handshake.SetKillSwitch(false)
	assert.False(t, h.handshake.Disabled())
}

// switchingSession flips the kill switch as a given prompt enters the transcript
type switchingSession struct {
	*session.Store
	trigger string
	flip    func()
}

func (s *switchingSession) AppendPreviewMessage(m session.PreviewMessage) string {
	id := s.Store.AppendPreviewMessage(m)
	if m.Role == session.RoleUser && m.Text == s.trigger {
		s.flip()
	}
	return id
}

func TestKillSwitchBetweenStepsStopsSecondPrompt(t *testing.T) {
	h := newHarness(t, map[string][]string{
		NewSessionPrompt:        {helloFrames},
		StartPaperTradingPrompt: {readyFrames},
	}, Options{WaitTimeout: 2 * time.Second, SettleWindow: time.Second})

	sess := &switchingSession{Store: h.session, trigger: StartPaperTradingPrompt}
	hs := New(h.streams, sess, InvalidatorFunc(func(...string) {}), Options{WaitTimeout: 2 * time.Second, SettleWindow: time.Second})
	sess.flip = func() { hs.SetKillSwitch(true) }

	assert.ErrorIs(t, hs.Launch(context.Background()), ErrCancelled)
	assert.Equal(t, []string{NewSessionPrompt}, h.server.seen())

	st := h.session.Snapshot()
	assert.Equal(t, session.StatusError, st.Status)
	assert.False(t, st.IsActive)
}

func TestLaunchRefusedWhileKillSwitchActive(t *testing.T) {
	h := newHarness(t, nil, Options{})

	h.handshake.SetKillSwitch(true)
	assert.ErrorIs(t, h.handshake.Launch(context.Background()), ErrDisabled)
	assert.Empty(t, h.server.seen())
}

func TestLaunchRefusedWhileStarting(t *testing.T) {
	h := newHarness(t, nil, Options{})

	h.session.SetStarting()
	assert.True(t, h.handshake.Disabled())
	assert.ErrorIs(t, h.handshake.Launch(context.Background()), ErrDisabled)
	assert.Empty(t, h.server.seen())
}

func TestRunReducesInBackground(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"bg": {helloFrames},
	}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.handshake.Run(ctx)

	id, err := h.streams.Start(context.Background(), "bg")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, _ := h.handshake.StreamStatus(id)
		return status.Completed && status.HasAssistantReply
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Hello", h.handshake.StreamText(id))
}
