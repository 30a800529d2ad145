package proxy

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/killallgit/s24/pkg/logger"
)

var forwardedHeaders = []string{"Content-Type", "Accept", "X-Request-Id", "Authorization"}

// PassthroughHandler forwards /api/proxy/{path...} to the trading API
type PassthroughHandler struct {
	base string
	http *http.Client
	log  *logger.ComponentLogger
}

// NewPassthroughHandler forwards to base. client may be nil.
func NewPassthroughHandler(base string, client *http.Client) *PassthroughHandler {
	if client == nil {
		client = &http.Client{}
	}
	return &PassthroughHandler{
		base: strings.TrimRight(base, "/"),
		http: client,
		log:  logger.WithComponent("proxy.passthrough"),
	}
}

func (h *PassthroughHandler) target(r *http.Request) string {
	target := h.base + "/" + r.PathValue("path")
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

func (h *PassthroughHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := h.target(r)

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		data, _ := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if len(data) > 0 {
			body = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		h.upstreamFailed(w, target, err)
		return
	}
	for _, name := range forwardedHeaders {
		if v := r.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := h.http.Do(req)
	if err != nil {
		h.upstreamFailed(w, target, err)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(resp.StatusCode)

	if _, err := pipe(w, resp.Body); err != nil && r.Context().Err() == nil {
		h.log.Warn("relay interrupted", "target", target, "error", err)
	}
}

func (h *PassthroughHandler) upstreamFailed(w http.ResponseWriter, target string, err error) {
	message := err.Error()
	if message == "" {
		message = "Failed to reach backend"
	}
	h.log.Warn("backend request failed", "target", target, "error", err)
	writeError(w, http.StatusBadGateway, "PROXY_UPSTREAM_ERROR", message, map[string]any{"target": target})
}
