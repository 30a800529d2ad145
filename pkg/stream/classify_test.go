package stream

import (
	"testing"

	"github.com/killallgit/s24/pkg/sse"
	"github.com/stretchr/testify/assert"
)

func decode(s string) any { return DecodePayload(s) }

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  string
		want  Classification
	}{
		{"plain delta", "", `{"delta":"Hel"}`, Classification{Phase: PhaseDelta, Text: "Hel"}},
		{"text field", "", `{"text":"hi"}`, Classification{Phase: PhaseDelta, Text: "hi"}},
		{"output_text delta", "", `{"output_text":{"delta":"x"}}`, Classification{Phase: PhaseDelta, Text: "x"}},
		{"nested response output", "", `{"response":{"output":[{"content":[{"type":"output_text","text":"nested"}]}]}}`, Classification{Phase: PhaseDelta, Text: "nested"}},
		{"event name error", "response.error", `{"detail":"x"}`, Classification{Phase: PhaseError, Error: defaultStreamErrorMessage}},
		{"payload type error", "", `{"type":"error","message":"rate limited"}`, Classification{Phase: PhaseError, Error: "rate limited"}},
		{"error object", "", `{"error":{"message":"bad"}}`, Classification{Phase: PhaseError, Error: "bad"}},
		{"error string", "", `{"error":"flat message"}`, Classification{Phase: PhaseError, Error: "flat message"}},
		{"null error ignored", "", `{"error":null,"delta":"ok"}`, Classification{Phase: PhaseDelta, Text: "ok"}},
		{"error beats completion", "response.completed", `{"error":{"message":"late failure"}}`, Classification{Phase: PhaseError, Error: "late failure"}},
		{"completed event", "response.completed", `{"response":{"output":[{"content":[{"text":"full"}]}]}}`, Classification{Phase: PhaseCompleted}},
		{"done in type", "", `{"type":"response.output_text.done","text":"all"}`, Classification{Phase: PhaseCompleted}},
		{"status completed", "", `{"status":"Completed"}`, Classification{Phase: PhaseCompleted}},
		{"status in progress", "", `{"status":"in_progress"}`, Classification{}},
		{"empty delta", "", `{"delta":""}`, Classification{}},
		{"opaque text", "", `not json`, Classification{}},
		{"event overrides type", "message", `{"type":"response.completed","delta":"d"}`, Classification{Phase: PhaseDelta, Text: "d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.event, decode(tt.data)))
		})
	}
}

func TestClassifyFrame(t *testing.T) {
	c, raw := ClassifyFrame(sse.Frame{Data: "[DONE]", HasData: true})
	assert.Equal(t, PhaseCompleted, c.Phase)
	assert.Nil(t, raw)

	c, raw = ClassifyFrame(sse.Frame{Data: "plain words", HasData: true})
	assert.Equal(t, Phase(""), c.Phase)
	assert.Equal(t, "plain words", raw)
}

func TestLatestAssistantText(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		found   bool
	}{
		{"top-level text", `{"text":"  direct  "}`, "direct", true},
		{"messages newest first", `{"messages":[{"role":"assistant","content":"old"},{"role":"user","content":"q"},{"role":"assistant","content":"new"}]}`, "new", true},
		{"author field", `{"history":[{"author":"Bot","content":"beep"}]}`, "beep", true},
		{"content blocks", `{"items":[{"role":"agent","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}]}`, "a\n\nb", true},
		{"nested content", `{"entries":[{"role":"assistant","content":{"content":[{"text":"deep"}]}}]}`, "deep", true},
		{"message without content", `{"turns":[{"role":"assistant","text":"inline"}]}`, "inline", true},
		{"response output", `{"response":{"output":[{"role":"assistant","content":[{"text":"out"}]}]}}`, "out", true},
		{"skips blank assistant", `{"events":[{"role":"assistant","content":"real"},{"role":"assistant","content":"   "}]}`, "real", true},
		{"no assistant", `{"messages":[{"role":"user","content":"q"}]}`, "", false},
		{"not an object", `[1,2]`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := LatestAssistantText(decode(tt.payload))
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSuffix(t *testing.T) {
	assert.Equal(t, " there", Suffix("Hi", "Hi there"))
	assert.Equal(t, "", Suffix("same", "same"))
	assert.Equal(t, "rewritten", Suffix("original", "rewritten"))
	assert.Equal(t, "fresh", Suffix("", "fresh"))
}

func TestHistoryPollerNeverEmitsEmptyDelta(t *testing.T) {
	p := &historyPoller{}
	unchanged := decode(`{"messages":[]}`)
	reply := decode(`{"messages":[{"role":"assistant","content":"Hi"}]}`)
	longer := decode(`{"messages":[{"role":"assistant","content":"Hi there"}]}`)

	for i := 0; i < 3; i++ {
		_, grew := p.observe(unchanged)
		assert.False(t, grew)
	}
	assert.False(t, p.settled(), "no reply yet")

	delta, grew := p.observe(reply)
	assert.True(t, grew)
	assert.Equal(t, "Hi", delta)

	delta, grew = p.observe(longer)
	assert.True(t, grew)
	assert.Equal(t, " there", delta)

	_, grew = p.observe(longer)
	assert.False(t, grew)
	assert.False(t, p.settled())
	_, grew = p.observe(longer)
	assert.False(t, grew)
	assert.True(t, p.settled())
}
