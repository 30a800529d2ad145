package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway speaks the challenge/connect/rpc protocol with scripted replies.
type fakeGateway struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	connects    []connectParams
	requests    []frame
	tokens      []string
	closedConns int

	skipChallenge bool
	rejectConnect string
	onRPC         func(conn *websocket.Conn, req frame)
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{t: t}
	g.server = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() {
		conn.Close()
		g.mu.Lock()
		g.closedConns++
		g.mu.Unlock()
	}()

	g.mu.Lock()
	g.tokens = append(g.tokens, r.URL.Query().Get("token"))
	g.mu.Unlock()

	if g.skipChallenge {
		conn.ReadMessage()
		return
	}

	if err := conn.WriteJSON(map[string]any{
		"type": "event", "event": "connect.challenge", "payload": map[string]any{"nonce": "n-1"},
	}); err != nil {
		return
	}

	var req struct {
		frame
		Params connectParams `json:"params"`
	}
	if err := conn.ReadJSON(&req); err != nil {
		return
	}
	g.mu.Lock()
	g.connects = append(g.connects, req.Params)
	g.mu.Unlock()

	if g.rejectConnect != "" {
		conn.WriteJSON(map[string]any{
			"type": "res", "id": req.ID, "ok": false, "error": map[string]any{"message": g.rejectConnect},
		})
		return
	}
	conn.WriteJSON(map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": map[string]any{"protocol": 3}})

	var rpc frame
	if err := conn.ReadJSON(&rpc); err != nil {
		return
	}
	g.mu.Lock()
	g.requests = append(g.requests, rpc)
	g.mu.Unlock()

	if g.onRPC != nil {
		g.onRPC(conn, rpc)
	}
	// hold the socket until the client hangs up
	conn.ReadMessage()
}

func (g *fakeGateway) client(opts Options) *Client {
	opts.URL = g.url()
	return NewClient(opts)
}

func TestCallSuccess(t *testing.T) {
	g := newFakeGateway(t)
	g.onRPC = func(conn *websocket.Conn, req frame) {
		conn.WriteJSON(map[string]any{"type": "event", "event": "tick"})
		conn.WriteJSON(map[string]any{"type": "res", "id": "someone-else", "ok": true})
		conn.WriteJSON(map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": map[string]any{"healthy": true}})
	}

	c := g.client(Options{Token: "secret token"})
	payload, err := c.Call(context.Background(), "health", nil, false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"healthy":true}`, string(payload))

	g.mu.Lock()
	defer g.mu.Unlock()
	require.Len(t, g.connects, 1)
	connect := g.connects[0]
	assert.Equal(t, 3, connect.MinProtocol)
	assert.Equal(t, 3, connect.MaxProtocol)
	assert.Equal(t, "cli", connect.Client.ID)
	assert.Equal(t, "operator", connect.Role)
	assert.Equal(t, []string{"operator.admin"}, connect.Scopes)
	require.NotNil(t, connect.Auth)
	assert.Equal(t, "secret token", connect.Auth.Token)
	assert.Equal(t, []string{"secret token"}, g.tokens)

	require.Len(t, g.requests, 1)
	assert.Equal(t, "req", g.requests[0].Type)
	assert.Equal(t, "health", g.requests[0].Method)
	assert.NotEmpty(t, g.requests[0].ID)
}

func TestCallWithoutTokenOmitsAuth(t *testing.T) {
	g := newFakeGateway(t)
	g.onRPC = func(conn *websocket.Conn, req frame) {
		conn.WriteJSON(map[string]any{"type": "res", "id": req.ID, "ok": true})
	}

	_, err := g.client(Options{}).Call(context.Background(), "status", nil, false)
	require.NoError(t, err)

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Nil(t, g.connects[0].Auth)
	assert.Equal(t, []string{""}, g.tokens)
}

func TestConnectRejected(t *testing.T) {
	g := newFakeGateway(t)
	g.rejectConnect = "bad token"

	_, err := g.client(Options{}).Call(context.Background(), "health", nil, false)
	require.Error(t, err)
	assert.Equal(t, "bad token", err.Error())

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, "connect", rpcErr.Method)
}

func TestRPCErrorMessage(t *testing.T) {
	g := newFakeGateway(t)
	g.onRPC = func(conn *websocket.Conn, req frame) {
		conn.WriteJSON(map[string]any{"type": "res", "id": req.ID, "ok": false, "error": map[string]any{"code": "E_NOPE", "message": "no such method"}})
	}

	_, err := g.client(Options{}).Call(context.Background(), "missing", nil, false)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, "no such method", rpcErr.Error())
	assert.Equal(t, "E_NOPE", rpcErr.Code)
}

func TestRPCErrorFallbackMessage(t *testing.T) {
	g := newFakeGateway(t)
	g.onRPC = func(conn *websocket.Conn, req frame) {
		conn.WriteJSON(map[string]any{"type": "res", "id": req.ID, "ok": false})
	}

	_, err := g.client(Options{}).Call(context.Background(), "health", nil, false)
	require.Error(t, err)
	assert.Equal(t, "RPC call failed", err.Error())
}

func TestExpectFinalSkipsAccepted(t *testing.T) {
	accepted := map[string]any{"status": "accepted"}

	t.Run("expect final", func(t *testing.T) {
		g := newFakeGateway(t)
		g.onRPC = func(conn *websocket.Conn, req frame) {
			conn.WriteJSON(map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": accepted})
			conn.WriteJSON(map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": map[string]any{"status": "ok", "text": "done"}})
		}

		payload, err := g.client(Options{}).Call(context.Background(), "agent", map[string]any{"message": "hi"}, true)
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"ok","text":"done"}`, string(payload))

		g.mu.Lock()
		defer g.mu.Unlock()
		var params map[string]any
		raw, _ := json.Marshal(g.requests[0].Params)
		require.NoError(t, json.Unmarshal(raw, &params))
		assert.Equal(t, "hi", params["message"])
	})

	t.Run("first response wins otherwise", func(t *testing.T) {
		g := newFakeGateway(t)
		g.onRPC = func(conn *websocket.Conn, req frame) {
			conn.WriteJSON(map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": accepted})
		}

		payload, err := g.client(Options{}).Call(context.Background(), "agent", nil, false)
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"accepted"}`, string(payload))
	})
}

func TestConnectTimeout(t *testing.T) {
	g := newFakeGateway(t)
	g.skipChallenge = true

	start := time.Now()
	_, err := g.client(Options{ConnectTimeout: 100 * time.Millisecond}).Call(context.Background(), "health", nil, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "Gateway connection timeout", err.Error())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRPCTimeoutUsesAgentWindow(t *testing.T) {
	g := newFakeGateway(t)

	c := g.client(Options{RPCTimeout: 50 * time.Millisecond, AgentRPCTimeout: 150 * time.Millisecond})
	assert.Equal(t, 150*time.Millisecond, c.rpcTimeout("agent"))
	assert.Equal(t, 50*time.Millisecond, c.rpcTimeout("health"))

	_, err := c.Call(context.Background(), "health", nil, false)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "RPC timeout for method: health", err.Error())
}

func TestClosedDuringRPC(t *testing.T) {
	g := newFakeGateway(t)
	g.onRPC = func(conn *websocket.Conn, req frame) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting"))
		conn.Close()
	}

	_, err := g.client(Options{}).Call(context.Background(), "health", nil, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Contains(t, err.Error(), "Gateway closed during RPC")
}

func TestDialFailure(t *testing.T) {
	c := NewClient(Options{URL: "ws://127.0.0.1:1", ConnectTimeout: time.Second})
	_, err := c.Call(context.Background(), "health", nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway dial failed")
}

func TestCancelledContext(t *testing.T) {
	g := newFakeGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := g.client(Options{}).Call(ctx, "health", nil, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnectionAlwaysClosed(t *testing.T) {
	g := newFakeGateway(t)
	g.onRPC = func(conn *websocket.Conn, req frame) {
		conn.WriteJSON(map[string]any{"type": "res", "id": req.ID, "ok": true})
	}

	_, err := g.client(Options{}).Call(context.Background(), "health", nil, false)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.closedConns == 1
	}, time.Second, 10*time.Millisecond)
}
