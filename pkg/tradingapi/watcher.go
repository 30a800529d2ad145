package tradingapi

import (
	"context"
	"time"
)

// KillSwitchWatcher polls the kill switch and reports each change of the
// enabled flag. The first successful poll is always reported.
type KillSwitchWatcher struct {
	client   *Client
	interval time.Duration
	onChange func(enabled bool)
}

// NewKillSwitchWatcher creates a watcher. A non-positive interval means 5s.
func NewKillSwitchWatcher(client *Client, interval time.Duration, onChange func(enabled bool)) *KillSwitchWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &KillSwitchWatcher{client: client, interval: interval, onChange: onChange}
}

// Run polls until ctx is done. Poll failures are logged and do not change
// the last known state.
func (w *KillSwitchWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var (
		known   bool
		enabled bool
	)
	poll := func() {
		state, err := w.client.KillSwitch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.client.log.Warn("kill switch poll failed", "error", err)
			}
			return
		}
		if !known || state.Enabled != enabled {
			known = true
			enabled = state.Enabled
			w.onChange(enabled)
		}
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			poll()
		}
	}
}
