// Package sse splits server-sent-event byte streams into frames.
package sse

import "strings"

// DoneSentinel is the literal payload some upstreams send as their final frame.
const DoneSentinel = "[DONE]"

// Frame is one parsed event-stream frame.
type Frame struct {
	Event   string
	Data    string
	HasData bool
}

// IsDone reports whether the frame carries the terminal sentinel.
func (f Frame) IsDone() bool {
	return f.HasData && f.Data == DoneSentinel
}

// Split normalizes CRLF line endings and cuts buf on blank lines. Complete
// frames are returned in order; rest is the trailing partial frame that must
// be prepended to the next read.
func Split(buf string) (frames []string, rest string) {
	normalized := strings.ReplaceAll(buf, "\r\n", "\n")
	parts := strings.Split(normalized, "\n\n")
	return parts[:len(parts)-1], parts[len(parts)-1]
}

// ParseFrame extracts the event name and newline-joined data lines of a frame.
// Lines other than event: and data: are ignored.
func ParseFrame(frame string) Frame {
	var (
		out       Frame
		dataLines []string
	)

	for _, line := range strings.Split(frame, "\n") {
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			out.Event = strings.TrimSpace(v)
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimLeft(v, " \t"))
		}
	}

	if len(dataLines) > 0 {
		out.Data = strings.Join(dataLines, "\n")
		out.HasData = true
	}
	return out
}
