package stream

import (
	"encoding/json"
	"strings"

	"github.com/killallgit/s24/pkg/sse"
)

const defaultStreamErrorMessage = "OpenClaw responses stream error"

// Classification is the outcome of inspecting one frame
type Classification struct {
	// Phase is empty when the frame carries nothing worth emitting
	Phase Phase
	Text  string
	Error string
}

// DecodePayload parses frame data as JSON, keeping the raw string when it is
// not valid JSON.
func DecodePayload(data string) any {
	var raw any
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return data
	}
	return raw
}

// Classify maps a frame to a stream phase. Error wins over completion, which
// wins over text extraction. Matching on event names is by substring, so
// "response.failed.error" and "response.output_text.done" are both terminal.
func Classify(event string, raw any) Classification {
	eventType := eventTypeOf(event, raw)
	lower := strings.ToLower(eventType)
	record := asRecord(raw)

	if strings.Contains(lower, "error") || truthy(record["error"]) {
		return Classification{Phase: PhaseError, Error: errorMessage(record)}
	}

	if strings.Contains(lower, "completed") || strings.Contains(lower, "done") {
		return Classification{Phase: PhaseCompleted}
	}
	if status, ok := record["status"].(string); ok {
		switch strings.ToLower(status) {
		case "completed", "done":
			return Classification{Phase: PhaseCompleted}
		}
	}

	if text, ok := DeltaText(raw); ok {
		return Classification{Phase: PhaseDelta, Text: text}
	}
	return Classification{}
}

// ClassifyFrame classifies a parsed SSE frame, honouring the [DONE] sentinel.
// The decoded payload is returned for the event log.
func ClassifyFrame(f sse.Frame) (Classification, any) {
	if f.IsDone() {
		return Classification{Phase: PhaseCompleted}, nil
	}
	raw := DecodePayload(f.Data)
	return Classify(f.Event, raw), raw
}

func eventTypeOf(event string, raw any) string {
	if event != "" {
		return event
	}
	if t, ok := asRecord(raw)["type"].(string); ok {
		return t
	}
	return ""
}

func errorMessage(record map[string]any) string {
	switch e := record["error"].(type) {
	case map[string]any:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
	case string:
		if e != "" {
			return e
		}
	}
	if msg, ok := record["message"].(string); ok {
		return msg
	}
	return defaultStreamErrorMessage
}

// truthy mirrors loose JSON truthiness: null, false, 0 and "" are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}
