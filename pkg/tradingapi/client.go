// Package tradingapi is a client for the trading bot REST API
package tradingapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/killallgit/s24/pkg/config"
	"github.com/killallgit/s24/pkg/logger"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 64 << 10
)

// Client talks to the trading API. Requests are paced by a token bucket.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *logger.ComponentLogger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimit allows rps requests per second with a matching burst.
// Non-positive values disable pacing.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
}

// NewClient creates a client for baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		log:     logger.WithComponent("tradingapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientFromConfig creates a client for the configured backend
func NewClientFromConfig(cfg *config.Config) *Client {
	return NewClient(cfg.BackendURL(), WithRateLimit(cfg.Backend.RequestsPerSecond))
}

// KillSwitch returns the current kill switch state
func (c *Client) KillSwitch(ctx context.Context) (*KillSwitchState, error) {
	var out KillSwitchState
	if err := c.do(ctx, http.MethodGet, "/v1/kill-switch", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KillSwitchToggle is the result of SetKillSwitch
type KillSwitchToggle struct {
	Enabled   bool   `json:"enabled"`
	UpdatedAt string `json:"updated_at"`
}

// SetKillSwitch enables or disables the kill switch. actor and reason are
// optional.
func (c *Client) SetKillSwitch(ctx context.Context, enabled bool, actor, reason string) (*KillSwitchToggle, error) {
	payload := map[string]any{"enabled": enabled}
	if actor != "" {
		payload["actor"] = actor
	}
	if reason != "" {
		payload["reason"] = reason
	}

	var out KillSwitchToggle
	if err := c.do(ctx, http.MethodPost, "/v1/kill-switch", nil, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BotStatus returns the bot summary
func (c *Client) BotStatus(ctx context.Context) (*BotStatus, error) {
	var out BotStatus
	if err := c.do(ctx, http.MethodGet, "/v1/bot/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Orders returns one page of orders
func (c *Client) Orders(ctx context.Context, f OrderFilters) (*Page[Order], error) {
	var out Page[Order]
	if err := c.do(ctx, http.MethodGet, "/v1/orders", f.query(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Fills returns one page of fills
func (c *Client) Fills(ctx context.Context, f FillFilters) (*Page[Fill], error) {
	var out Page[Fill]
	if err := c.do(ctx, http.MethodGet, "/v1/fills", f.query(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AllOrders follows cursors from f.Cursor until the last page
func (c *Client) AllOrders(ctx context.Context, f OrderFilters) ([]Order, error) {
	return collect(f.Cursor, func(cursor string) (*Page[Order], error) {
		f.Cursor = cursor
		return c.Orders(ctx, f)
	})
}

// AllFills follows cursors from f.Cursor until the last page
func (c *Client) AllFills(ctx context.Context, f FillFilters) ([]Fill, error) {
	return collect(f.Cursor, func(cursor string) (*Page[Fill], error) {
		f.Cursor = cursor
		return c.Fills(ctx, f)
	})
}

func collect[T any](cursor string, fetch func(cursor string) (*Page[T], error)) ([]T, error) {
	var items []T
	seen := make(map[string]bool)
	for {
		page, err := fetch(cursor)
		if err != nil {
			return items, err
		}
		items = append(items, page.Items...)

		if page.NextCursor == "" {
			return items, nil
		}
		if seen[page.NextCursor] {
			return items, fmt.Errorf("cursor %q repeated", page.NextCursor)
		}
		seen[page.NextCursor] = true
		cursor = page.NextCursor
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.log.Debug("request", "method", method, "path", path, "status", resp.StatusCode, "request_id", requestID)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return parseAPIError(resp.StatusCode, data)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
