package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/killallgit/s24/pkg/sse"
)

const maxErrorBody = 64 << 10

// runPrimary posts the prompt to the streaming endpoint and reduces its
// frames into events. A 405 switches the turn to the chat fallback.
func (o *Orchestrator) runPrimary(t *turn, prompt string) error {
	resp, err := o.postJSON(t.ctx, "responses", map[string]any{
		"input":  prompt,
		"stream": true,
	}, "text/event-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed {
		o.log.Info("streaming unsupported, using chat fallback", "stream_id", t.id)
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return o.runFallback(t, prompt)
	}

	if !ok(resp) {
		return errors.New(readErrorMessage(resp, fmt.Sprintf("Responses stream failed (%d)", resp.StatusCode)))
	}

	t.markStarted()

	err = sse.Read(t.ctx, resp.Body, func(f sse.Frame) bool {
		if !f.HasData {
			return true
		}
		return o.handleFrame(t, f)
	})
	if err != nil {
		return err
	}

	// connection closed without a completion signal
	t.emit(Event{Phase: PhaseCompleted})
	return nil
}

// handleFrame records one frame and reports whether reading should continue
func (o *Orchestrator) handleFrame(t *turn, f sse.Frame) bool {
	c, raw := ClassifyFrame(f)

	switch c.Phase {
	case PhaseError:
		o.fail(t, c.Error, raw)
		return false
	case PhaseCompleted:
		t.emit(Event{Phase: PhaseCompleted, Raw: raw})
		return false
	case PhaseDelta:
		t.emit(Event{Phase: PhaseDelta, Text: c.Text, Raw: raw})
	}
	return !t.isTerminated()
}

func (o *Orchestrator) postJSON(ctx context.Context, method string, body any, accept string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.opts.BaseURL+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	return o.http.Do(req)
}

func ok(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// readErrorMessage prefers a JSON error.message, then the trimmed body text,
// then fallback.
func readErrorMessage(resp *http.Response, fallback string) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(body) == 0 {
		return fallback
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}

	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return fallback
}
