package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/killallgit/s24/pkg/config"
	"github.com/killallgit/s24/pkg/handshake"
	"github.com/killallgit/s24/pkg/session"
	"github.com/killallgit/s24/pkg/stream"
	"github.com/killallgit/s24/pkg/tradingapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRootCommandFlags tests that the persistent flags are present
func TestRootCommandFlags(t *testing.T) {
	configFlag := rootCmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "string", configFlag.Value.Type())

	levelFlag := rootCmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, levelFlag)
	assert.Equal(t, "l", levelFlag.Shorthand)
	assert.Equal(t, "info", levelFlag.DefValue)
}

func TestSubcommandsRegistered(t *testing.T) {
	paths := [][]string{
		{"serve"},
		{"launch"},
		{"chat"},
		{"rpc"},
		{"session", "show"},
		{"session", "end"},
		{"session", "watch"},
		{"config", "show"},
		{"status"},
		{"kill-switch"},
		{"orders"},
		{"fills"},
	}
	for _, path := range paths {
		t.Run(strings.Join(path, " "), func(t *testing.T) {
			found, rest, err := rootCmd.Find(path)
			require.NoError(t, err)
			assert.Empty(t, rest)
			assert.Equal(t, path[len(path)-1], found.Name())
		})
	}

	assert.NotNil(t, serveCmd.Flags().Lookup("addr"))
	assert.NotNil(t, rpcCmd.Flags().Lookup("expect-final"))
	assert.NotNil(t, launchCmd.Flags().Lookup("skip-kill-switch"))
	assert.NotNil(t, ordersCmd.Flags().Lookup("all"))
}

func TestTranscriptPrinterWritesOnlyNewText(t *testing.T) {
	var buf bytes.Buffer
	p := newTranscriptPrinter(&buf)

	msgs := []session.PreviewMessage{
		{ID: "u1", Role: session.RoleUser, Text: "/new", Phase: session.PhaseCompleted},
		{ID: "a1", Role: session.RoleAssistant, Text: "Hel", Phase: session.PhaseStreaming},
	}
	p.render(msgs)
	msgs[1].Text = "Hello"
	p.render(msgs)
	p.render(msgs)
	p.finish()

	want := roleLabel(session.RoleUser) + ": /new\n" + roleLabel(session.RoleAssistant) + ": Hello\n"
	assert.Equal(t, want, buf.String())
}

func TestTranscriptPrinterReset(t *testing.T) {
	var buf bytes.Buffer
	p := newTranscriptPrinter(&buf)

	msgs := []session.PreviewMessage{{ID: "s1", Role: session.RoleSystem, Text: "Starting"}}
	p.render(msgs)
	p.reset()
	p.render(msgs)
	p.finish()

	assert.Equal(t, 2, strings.Count(buf.String(), "Starting"))
}

func TestPrintSessionSummary(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printSessionSummary(&buf, session.State{
		Status:    session.StatusStarted,
		IsActive:  true,
		StartedAt: &started,
		PreviewMessages: []session.PreviewMessage{
			{ID: "a1", Role: session.RoleAssistant, Text: "Paper trading started"},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "started")
	assert.Contains(t, out, "Paper trading started")
}

func TestPrintOrders(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printOrders(&buf, nil))
	assert.Equal(t, "No orders found\n", buf.String())

	buf.Reset()
	price := 142.5
	require.NoError(t, printOrders(&buf, []tradingapi.Order{
		{OrderID: "ord-1", Symbol: "SOL/USDC", Side: "buy", Qty: 1.5, LimitPrice: &price, Status: "filled", ExecutionMode: "paper"},
		{OrderID: "ord-2", Symbol: "SOL/USDC", Side: "sell", Qty: 2, Status: "rejected", ExecutionMode: "paper"},
	}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ORDER"))
	assert.Contains(t, lines[1], "142.5")
	assert.Contains(t, lines[2], "-")
}

func TestPrintFills(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printFills(&buf, []tradingapi.Fill{
		{FillID: "fill-1", OrderID: "ord-1", Symbol: "SOL/USDC", Side: "buy", Qty: 1, FillPrice: 142.5, SlippageBps: 3.2},
	}))
	assert.Contains(t, buf.String(), "fill-1")
	assert.Contains(t, buf.String(), "3.2bps")
}

func newChatServer(t *testing.T, frames string) *stream.Orchestrator {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, frames)
	}))
	t.Cleanup(server.Close)
	return stream.New(stream.Options{BaseURL: server.URL})
}

func TestRunChatStreamsReply(t *testing.T) {
	streams := newChatServer(t, "data: {\"delta\":\"Hel\"}\n\ndata: {\"delta\":\"lo\"}\n\ndata: [DONE]\n\n")

	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runChat(ctx, streams, "hi", &buf))
	assert.Contains(t, buf.String(), "Hello")
}

func TestRunChatReturnsStreamError(t *testing.T) {
	streams := newChatServer(t, "event: response.error\ndata: {\"error\":{\"message\":\"quota exceeded\"}}\n\n")

	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.EqualError(t, runChat(ctx, streams, "hi", &buf), "quota exceeded")
}

func TestRunChatRejectsEmptyPrompt(t *testing.T) {
	streams := stream.New(stream.Options{BaseURL: "http://127.0.0.1:1"})
	assert.ErrorIs(t, runChat(context.Background(), streams, "  ", &bytes.Buffer{}), stream.ErrEmptyPrompt)
}

// launchBackend fakes both the responses stream and the trading API
type launchBackend struct {
	mu      sync.Mutex
	prompts []string
	enabled bool
}

func (b *launchBackend) seen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.prompts...)
}

func newLaunchBackend(t *testing.T, killSwitch bool) (*launchBackend, *config.Config, *tradingapi.Client) {
	t.Helper()
	b := &launchBackend{enabled: killSwitch}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/openclaw/responses", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.prompts = append(b.prompts, body.Input)
		b.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"delta\":\"ok\"}\n\ndata: [DONE]\n\n")
	})
	mux.HandleFunc("GET /v1/kill-switch", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		enabled := b.enabled
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"enabled": enabled, "recent_events": []any{}})
	})
	mux.HandleFunc("GET /v1/orders", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[],"next_cursor":""}`)
	})
	mux.HandleFunc("GET /v1/fills", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[],"next_cursor":""}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg := &config.Config{}
	cfg.Stream.BaseURL = server.URL + "/api/openclaw"
	cfg.Handshake.WaitTimeout = 2 * time.Second
	cfg.Handshake.SettleWindow = time.Second
	cfg.Handshake.KillSwitchPoll = 20 * time.Millisecond
	return b, cfg, tradingapi.NewClient(server.URL, tradingapi.WithRateLimit(0))
}

func TestRunLaunchRefusedWhenKillSwitchEnabled(t *testing.T) {
	backend, cfg, trading := newLaunchBackend(t, true)
	store, err := session.NewStore(session.NewMemoryStore())
	require.NoError(t, err)

	var buf bytes.Buffer
	err = runLaunch(context.Background(), cfg, store, trading, true, &buf)
	assert.ErrorIs(t, err, handshake.ErrDisabled)
	assert.Empty(t, backend.seen())
	assert.Equal(t, session.StatusIdle, store.Status())
	assert.Contains(t, buf.String(), "kill switch is enabled")
}

func TestRunLaunchStartsSession(t *testing.T) {
	backend, cfg, trading := newLaunchBackend(t, false)
	store, err := session.NewStore(session.NewMemoryStore())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var buf bytes.Buffer
	require.NoError(t, runLaunch(ctx, cfg, store, trading, true, &buf))
	assert.Equal(t, []string{handshake.NewSessionPrompt, handshake.StartPaperTradingPrompt}, backend.seen())
	assert.Equal(t, session.StatusStarted, store.Status())
	assert.Contains(t, buf.String(), "session started:")
}
