package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// completion heuristic: new text followed by this many unchanged polls
const stablePollsToComplete = 2

// runFallback drives the send-then-poll chat protocol for one turn
func (o *Orchestrator) runFallback(t *turn, prompt string) error {
	baseline := o.baselineAssistantText(t)

	resp, err := o.postJSON(t.ctx, "chat.send", map[string]any{
		"sessionKey":     o.opts.SessionKey,
		"message":        prompt,
		"idempotencyKey": idempotencyKey(),
		"deliver":        false,
	}, "")
	if err != nil {
		return err
	}
	if !ok(resp) {
		msg := readErrorMessage(resp, fmt.Sprintf("Fallback chat.send failed (%d)", resp.StatusCode))
		resp.Body.Close()
		return errors.New(msg)
	}
	resp.Body.Close()

	t.markStarted()

	poller := &historyPoller{last: baseline}
	limiter := rate.NewLimiter(rate.Every(o.opts.PollInterval), 1)
	pollStarted := time.Now()

	for {
		if err := limiter.Wait(t.ctx); err != nil {
			return err
		}

		history, fetched, err := o.fetchHistory(t)
		if err != nil {
			return err
		}

		if fetched {
			if delta, grew := poller.observe(history); grew {
				t.emit(Event{Phase: PhaseDelta, Text: delta, Raw: history})
			}
		}

		if poller.settled() || time.Since(pollStarted) >= o.opts.MaxPoll {
			o.log.Debug("fallback poll complete", "stream_id", t.id, "new_reply", poller.hasNewReply)
			t.emit(Event{Phase: PhaseCompleted, Raw: history})
			return nil
		}
	}
}

// baselineAssistantText snapshots history before sending so earlier replies
// are not replayed as new text. Failures leave the baseline empty.
func (o *Orchestrator) baselineAssistantText(t *turn) string {
	history, fetched, err := o.fetchHistory(t)
	if err != nil || !fetched {
		return ""
	}
	text, _ := LatestAssistantText(history)
	return text
}

// fetchHistory returns the decoded history and whether the call succeeded.
// A non-2xx status is not an error; the poll is simply skipped.
func (o *Orchestrator) fetchHistory(t *turn) (any, bool, error) {
	resp, err := o.postJSON(t.ctx, "chat.history", map[string]any{
		"sessionKey": o.opts.SessionKey,
		"limit":      o.opts.HistoryLimit,
	}, "")
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if !ok(resp) {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil, false, nil
	}

	var history any
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, true, nil
	}
	return history, true, nil
}

// historyPoller tracks the latest assistant text across polls
type historyPoller struct {
	last        string
	hasNewReply bool
	unchanged   int
}

// observe compares a history snapshot against the last one. It returns the
// new suffix when the assistant text grew and never reports an empty delta.
func (p *historyPoller) observe(history any) (string, bool) {
	text, found := LatestAssistantText(history)
	if !found || text == p.last {
		p.unchanged++
		return "", false
	}

	delta := Suffix(p.last, text)
	p.last = text
	p.unchanged = 0
	if delta == "" {
		return "", false
	}
	p.hasNewReply = true
	return delta, true
}

func (p *historyPoller) settled() bool {
	return p.hasNewReply && p.unchanged >= stablePollsToComplete
}

func idempotencyKey() string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return "s24-chat-" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + string(suffix)
}
