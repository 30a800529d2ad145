package gateway

import "encoding/json"

const (
	protocolVersion = 3

	eventConnectChallenge = "connect.challenge"
	methodConnect         = "connect"
	methodAgent           = "agent"
	statusAccepted        = "accepted"
)

// frame is the single envelope used in both directions on the socket.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (f *frame) isResponse() bool {
	return f.Type == "res" || f.ID != ""
}

func (f *frame) rejected() bool {
	return f.OK != nil && !*f.OK
}

func (f *frame) errorMessage(fallback string) string {
	if f.Error != nil && f.Error.Message != "" {
		return f.Error.Message
	}
	return fallback
}

func (f *frame) payloadStatus() string {
	if len(f.Payload) == 0 {
		return ""
	}
	var p struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return ""
	}
	return p.Status
}

type challengePayload struct {
	Nonce string `json:"nonce"`
}

// ClientInfo identifies this process to the gateway during connect.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token"`
}

type connectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Caps        []string     `json:"caps"`
	Auth        *connectAuth `json:"auth,omitempty"`
	Role        string       `json:"role"`
	Scopes      []string     `json:"scopes"`
}
