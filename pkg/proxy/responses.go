package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/killallgit/s24/pkg/config"
	"github.com/killallgit/s24/pkg/logger"
)

const (
	defaultEventStreamType = "text/event-stream; charset=utf-8"
	maxRequestBody         = 1 << 20
	copyBufferSize         = 32 << 10
)

var errUpstreamTimeout = errors.New("upstream timeout")

// ResponsesOptions configures the streaming completion proxy
type ResponsesOptions struct {
	// URL is the full upstream endpoint
	URL     string
	Model   string
	Token   string
	Timeout time.Duration
	// HTTPClient must not set its own Timeout, it would cut long streams
	HTTPClient *http.Client
}

// ResponsesOptionsFromConfig resolves the upstream endpoint from cfg
func ResponsesOptionsFromConfig(cfg *config.Config) ResponsesOptions {
	return ResponsesOptions{
		URL:     cfg.ResponsesURL(),
		Model:   cfg.Responses.Model,
		Token:   cfg.ResponsesToken(),
		Timeout: cfg.Responses.Timeout,
	}
}

// ResponsesHandler relays one prompt to the upstream streaming endpoint and
// pipes the response body back unmodified. The timeout covers the upstream
// call up to its response headers.
type ResponsesHandler struct {
	opts ResponsesOptions
	http *http.Client
	log  *logger.ComponentLogger
}

// NewResponsesHandler creates a ResponsesHandler
func NewResponsesHandler(opts ResponsesOptions) *ResponsesHandler {
	if opts.Timeout <= 0 {
		opts.Timeout = 180 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &ResponsesHandler{
		opts: opts,
		http: client,
		log:  logger.WithComponent("proxy.responses"),
	}
}

// normalizePayload maps prompt to input, forces streaming and fills the
// default model. Anything that is not a JSON object becomes an empty one.
func normalizePayload(body []byte, model string) map[string]any {
	payload := map[string]any{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
			payload = map[string]any{}
		}
	}

	if prompt, ok := payload["prompt"].(string); ok && payload["input"] == nil {
		payload["input"] = prompt
		delete(payload, "prompt")
	}
	payload["stream"] = true
	if payload["model"] == nil && model != "" {
		payload["model"] = model
	}
	return payload
}

func (h *ResponsesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Use POST", nil)
		return
	}

	body, _ := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	payload, err := json.Marshal(normalizePayload(body, h.opts.Model))
	if err != nil {
		writeError(w, http.StatusBadRequest, "OPENCLAW_RESPONSES_ERROR", err.Error(), nil)
		return
	}

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	timer := time.AfterFunc(h.opts.Timeout, func() { cancel(errUpstreamTimeout) })

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.opts.URL, bytes.NewReader(payload))
	if err != nil {
		timer.Stop()
		writeError(w, http.StatusBadGateway, "OPENCLAW_RESPONSES_ERROR", err.Error(), nil)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if h.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.opts.Token)
	}

	resp, err := h.http.Do(req)
	stopped := timer.Stop()
	if err == nil && !stopped {
		resp.Body.Close()
		err = context.Cause(ctx)
	}
	if err != nil {
		h.upstreamFailed(ctx, w, err)
		return
	}
	defer resp.Body.Close()

	if isEmptyBody(resp) {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
		message := string(text)
		if message == "" {
			message = "OpenClaw responses stream body was empty"
		}
		status := resp.StatusCode
		if !bodyAllowed(status) {
			status = http.StatusBadGateway
		}
		writeError(w, status, "OPENCLAW_RESPONSES_EMPTY", message, nil)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultEventStreamType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(resp.StatusCode)

	n, err := pipe(w, resp.Body)
	if err != nil && ctx.Err() == nil {
		h.log.Warn("stream relay interrupted", "bytes", n, "error", err)
		return
	}
	h.log.Debug("stream relayed", "status", resp.StatusCode, "bytes", n)
}

func (h *ResponsesHandler) upstreamFailed(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(context.Cause(ctx), errUpstreamTimeout) {
		h.log.Warn("upstream timed out", "timeout", h.opts.Timeout)
		writeError(w, http.StatusGatewayTimeout, "OPENCLAW_RESPONSES_TIMEOUT",
			fmt.Sprintf("OpenClaw responses stream timed out after %dms", h.opts.Timeout.Milliseconds()), nil)
		return
	}

	message := err.Error()
	if message == "" {
		message = "Failed to connect to OpenClaw responses endpoint"
	}
	h.log.Warn("upstream request failed", "error", err)
	writeError(w, http.StatusBadGateway, "OPENCLAW_RESPONSES_ERROR", message, nil)
}

// isEmptyBody reports whether the upstream response is known to carry no
// bytes without blocking on the first read.
func isEmptyBody(resp *http.Response) bool {
	return resp.ContentLength == 0 || !bodyAllowed(resp.StatusCode)
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// pipe copies src to w, flushing after every read so frames reach the
// client as soon as they arrive.
func pipe(w http.ResponseWriter, src io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, copyBufferSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := w.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
			rc.Flush()
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
