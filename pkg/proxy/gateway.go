package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/killallgit/s24/pkg/logger"
)

// Caller performs one gateway RPC. *gateway.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params map[string]any, expectFinal bool) (json.RawMessage, error)
}

// GatewayHandler maps /api/openclaw/{method...} onto gateway RPC calls
type GatewayHandler struct {
	caller Caller
	now    func() time.Time
	log    *logger.ComponentLogger
}

// NewGatewayHandler creates a GatewayHandler
func NewGatewayHandler(caller Caller) *GatewayHandler {
	return &GatewayHandler{
		caller: caller,
		now:    time.Now,
		log:    logger.WithComponent("proxy.gateway"),
	}
}

// rpcRequest reads params and expectFinal from a POST body. The body is
// either {params:{...}} or a flat object of params. Unreadable bodies mean
// no params.
func rpcRequest(r *http.Request) (map[string]any, bool) {
	params := map[string]any{}
	if r.Method != http.MethodPost {
		return params, false
	}

	var body map[string]any
	data, _ := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err := json.Unmarshal(data, &body); err != nil || body == nil {
		return params, false
	}

	expectFinal := body["expectFinal"] == true
	if nested, ok := body["params"].(map[string]any); ok {
		return nested, expectFinal
	}
	delete(body, "expectFinal")
	return body, expectFinal
}

func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Use GET or POST", nil)
		return
	}

	method := strings.Trim(r.PathValue("method"), "/")
	if method == "" {
		writeError(w, http.StatusNotFound, "OPENCLAW_GATEWAY_ERROR", "Missing gateway method", nil)
		return
	}

	params, expectFinal := rpcRequest(r)
	result, err := h.caller.Call(r.Context(), method, params, expectFinal)
	if err == nil {
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "application/json")
		w.Write(result)
		return
	}

	message := err.Error()
	if message == "" {
		message = "Failed to reach OpenClaw gateway"
	}
	h.log.Warn("gateway call failed", "method", method, "error", err)

	if fallback := h.fallback(method, message); fallback != nil {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Openclaw-Fallback", "gateway-unavailable")
		writeJSON(w, http.StatusOK, fallback)
		return
	}
	writeError(w, http.StatusBadGateway, "OPENCLAW_GATEWAY_ERROR", message, nil)
}

// fallback returns a degraded payload for methods the dashboard polls, so a
// gateway outage renders as unhealthy rather than as a failed request.
func (h *GatewayHandler) fallback(method, message string) map[string]any {
	switch method {
	case "health":
		return map[string]any{
			"ok":               false,
			"ts":               h.now().UnixMilli(),
			"durationMs":       0,
			"channels":         map[string]any{},
			"channelOrder":     []any{},
			"channelLabels":    map[string]any{},
			"heartbeatSeconds": 0,
			"defaultAgentId":   "",
			"agents":           []any{},
			"error":            message,
		}
	case "status":
		return map[string]any{
			"linkChannel": map[string]any{
				"id":     "unknown",
				"label":  "Gateway",
				"linked": false,
			},
			"heartbeat": map[string]any{
				"defaultAgentId": "",
				"agents":         []any{},
			},
			"channelSummary":     []any{},
			"queuedSystemEvents": []any{message},
			"sessions": map[string]any{
				"count":  0,
				"recent": []any{},
			},
			"error": message,
		}
	}
	return nil
}
