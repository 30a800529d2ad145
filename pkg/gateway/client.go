// Package gateway performs single-use RPC calls against the agent gateway's
// WebSocket protocol.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/killallgit/s24/pkg/config"
	"github.com/killallgit/s24/pkg/logger"
)

const (
	defaultConnectTimeout  = 10 * time.Second
	defaultRPCTimeout      = 60 * time.Second
	defaultAgentRPCTimeout = 300 * time.Second
)

// Options configures a Client
type Options struct {
	URL             string
	Token           string
	Client          ClientInfo
	ConnectTimeout  time.Duration
	RPCTimeout      time.Duration
	AgentRPCTimeout time.Duration
	Dialer          *websocket.Dialer
}

// Client opens one connection per Call. It holds no socket between calls and
// is safe for concurrent use.
type Client struct {
	opts Options
	log  *logger.ComponentLogger
}

// NewClient creates a gateway client, filling unset options with defaults
func NewClient(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = defaultRPCTimeout
	}
	if opts.AgentRPCTimeout <= 0 {
		opts.AgentRPCTimeout = defaultAgentRPCTimeout
	}
	if opts.Client.ID == "" {
		opts.Client.ID = "cli"
	}
	if opts.Client.DisplayName == "" {
		opts.Client.DisplayName = "s24 Dashboard"
	}
	if opts.Client.Version == "" {
		opts.Client.Version = "1.0.0"
	}
	if opts.Client.Platform == "" {
		opts.Client.Platform = runtime.GOOS
	}
	if opts.Client.Mode == "" {
		opts.Client.Mode = "backend"
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	return &Client{
		opts: opts,
		log:  logger.WithComponent("gateway"),
	}
}

// NewClientFromConfig builds a client from the loaded configuration
func NewClientFromConfig(cfg *config.Config) *Client {
	return NewClient(Options{
		URL:   cfg.GatewayWSURL(),
		Token: cfg.Gateway.Token,
		Client: ClientInfo{
			ID:          cfg.Gateway.ClientID,
			DisplayName: cfg.Gateway.DisplayName,
		},
		ConnectTimeout:  cfg.Gateway.ConnectTimeout,
		RPCTimeout:      cfg.Gateway.RPCTimeout,
		AgentRPCTimeout: cfg.Gateway.AgentRPCTimeout,
	})
}

func (c *Client) rpcTimeout(method string) time.Duration {
	if method == methodAgent {
		return c.opts.AgentRPCTimeout
	}
	return c.opts.RPCTimeout
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url %q: %w", c.opts.URL, err)
	}
	if c.opts.Token != "" {
		q := u.Query()
		q.Set("token", c.opts.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type readResult struct {
	frame *frame
	err   error
}

// Call connects, authenticates and performs one RPC. With expectFinal set,
// interim responses whose payload status is "accepted" are skipped. The
// connection is closed before Call returns.
func (c *Client) Call(ctx context.Context, method string, params map[string]any, expectFinal bool) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}

	target, err := c.dialURL()
	if err != nil {
		return nil, err
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancelConnect()

	conn, _, err := c.opts.Dialer.DialContext(connectCtx, target, nil)
	if err != nil {
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &callError{msg: "Gateway connection timeout", kind: ErrTimeout}
		}
		return nil, fmt.Errorf("gateway dial failed: %w", err)
	}
	defer conn.Close()

	frames := make(chan readResult, 1)
	done := make(chan struct{})
	defer close(done)
	go readLoop(conn, frames, done)

	deadline, _ := connectCtx.Deadline()
	if err := c.awaitConnect(ctx, conn, frames, deadline); err != nil {
		c.log.Warn("connect failed", "method", method, "error", err)
		return nil, err
	}

	rpcID := uuid.NewString()
	req := frame{Type: "req", ID: rpcID, Method: method, Params: params}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("gateway send failed: %w", err)
	}
	c.log.Debug("rpc sent", "method", method, "id", rpcID, "expect_final", expectFinal)

	timer := time.NewTimer(c.rpcTimeout(method))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gateway call %s cancelled: %w", method, context.Cause(ctx))
		case <-timer.C:
			return nil, &callError{msg: "RPC timeout for method: " + method, kind: ErrTimeout}
		case res := <-frames:
			if res.err != nil {
				return nil, closedError("Gateway closed during RPC", res.err)
			}
			msg := res.frame
			if msg == nil || msg.ID != rpcID {
				continue
			}
			if expectFinal && msg.payloadStatus() == statusAccepted {
				c.log.Debug("rpc accepted", "method", method, "id", rpcID)
				continue
			}
			if msg.rejected() {
				rpcErr := &RPCError{Method: method, Message: msg.errorMessage("RPC call failed")}
				if msg.Error != nil {
					rpcErr.Code = msg.Error.Code
				}
				return nil, rpcErr
			}
			return msg.Payload, nil
		}
	}
}

// awaitConnect answers the challenge and waits for the connect acknowledgement
func (c *Client) awaitConnect(ctx context.Context, conn *websocket.Conn, frames <-chan readResult, deadline time.Time) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("gateway connect cancelled: %w", context.Cause(ctx))
		case <-timer.C:
			return &callError{msg: "Gateway connection timeout", kind: ErrTimeout}
		case res := <-frames:
			if res.err != nil {
				return closedError("Gateway closed before connect", res.err)
			}
			msg := res.frame
			if msg == nil {
				continue
			}

			if msg.Type == "event" && msg.Event == eventConnectChallenge {
				var challenge challengePayload
				_ = json.Unmarshal(msg.Payload, &challenge)
				c.log.Debug("challenge received", "nonce", challenge.Nonce)

				if err := conn.WriteJSON(c.connectRequest()); err != nil {
					return fmt.Errorf("gateway connect send failed: %w", err)
				}
				continue
			}

			if msg.isResponse() {
				if msg.rejected() {
					return &RPCError{Method: methodConnect, Message: msg.errorMessage("Connect rejected")}
				}
				return nil
			}
		}
	}
}

func (c *Client) connectRequest() frame {
	params := connectParams{
		MinProtocol: protocolVersion,
		MaxProtocol: protocolVersion,
		Client:      c.opts.Client,
		Caps:        []string{},
		Role:        "operator",
		Scopes:      []string{"operator.admin"},
	}
	if c.opts.Token != "" {
		params.Auth = &connectAuth{Token: c.opts.Token}
	}
	return frame{Type: "req", ID: uuid.NewString(), Method: methodConnect, Params: params}
}

// readLoop decodes frames until the socket fails. Unparseable frames are
// delivered as nil and skipped by the caller.
func readLoop(conn *websocket.Conn, out chan<- readResult, done <-chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		var res readResult
		if err != nil {
			res.err = err
		} else {
			var f frame
			if json.Unmarshal(data, &f) == nil {
				res.frame = &f
			}
		}

		select {
		case out <- res:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

func closedError(prefix string, err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &callError{msg: fmt.Sprintf("%s: %d %s", prefix, ce.Code, ce.Text), kind: ErrClosed}
	}
	return &callError{msg: fmt.Sprintf("%s: %v", prefix, err), kind: ErrClosed}
}
