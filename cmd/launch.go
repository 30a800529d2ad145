package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/killallgit/s24/pkg/config"
	"github.com/killallgit/s24/pkg/handshake"
	"github.com/killallgit/s24/pkg/logger"
	"github.com/killallgit/s24/pkg/session"
	"github.com/killallgit/s24/pkg/stream"
	"github.com/killallgit/s24/pkg/tradingapi"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var skipKillSwitch bool

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Start a paper trading session through the agent",
	Long: `Run the trade cycle handshake against a running proxy: reset the agent
session with /new, ask it to start paper trading, and persist the session
once both replies arrive. The kill switch is polled throughout and cancels
the handshake when it turns on.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		store, err := openSessionStore()
		if err != nil {
			return err
		}
		return runLaunch(cmd.Context(), cfg, store, tradingapi.NewClientFromConfig(cfg), !skipKillSwitch, cmd.OutOrStdout())
	},
}

func runLaunch(parent context.Context, cfg *config.Config, store *session.Store, trading *tradingapi.Client, killSwitch bool, w io.Writer) error {
	log := logger.WithComponent("launch")
	streams := stream.New(stream.OptionsFromConfig(cfg))
	h := handshake.New(streams, store, handshake.InvalidatorFunc(func(keys ...string) {
		refreshViews(parent, trading, w, keys)
	}), handshake.OptionsFromConfig(cfg))

	// the kill switch state must be known before the first prompt goes out
	if killSwitch {
		state, err := trading.KillSwitch(parent)
		if err != nil {
			return fmt.Errorf("failed to read kill switch: %w", err)
		}
		if state.Enabled {
			fmt.Fprintln(w, errorStyle.Render("kill switch is enabled"))
		}
		h.SetKillSwitch(state.Enabled)
	}

	if h.Disabled() {
		printSessionHeader(w, store.Snapshot())
		return handshake.ErrDisabled
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if killSwitch {
		watcher := tradingapi.NewKillSwitchWatcher(trading, cfg.Handshake.KillSwitchPoll, func(enabled bool) {
			if enabled {
				log.Warn("kill switch enabled")
			}
			h.SetKillSwitch(enabled)
		})
		g.Go(func() error { return watcher.Run(ctx) })
	}

	g.Go(func() error { return h.Run(ctx) })

	changed, unsubscribe := store.Subscribe()
	defer unsubscribe()
	g.Go(func() error {
		printer := newTranscriptPrinter(w)
		defer printer.finish()
		for {
			select {
			case <-ctx.Done():
				printer.render(store.Snapshot().PreviewMessages)
				return nil
			case <-changed:
				printer.render(store.Snapshot().PreviewMessages)
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		if parent.Err() != nil {
			h.Cancel()
		}
		return nil
	})

	var launchErr error
	g.Go(func() error {
		defer cancel()
		launchErr = h.Launch(ctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if launchErr != nil {
		return launchErr
	}

	if st := store.Snapshot(); st.StartedAt != nil {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("session started:"), st.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

// refreshViews reloads the first page of each invalidated view and reports
// its size.
func refreshViews(ctx context.Context, trading *tradingapi.Client, w io.Writer, keys []string) {
	log := logger.WithComponent("launch")
	for _, key := range keys {
		var (
			n   int
			err error
		)
		switch key {
		case "orders":
			var page *tradingapi.Page[tradingapi.Order]
			if page, err = trading.Orders(ctx, tradingapi.OrderFilters{Limit: 50}); err == nil {
				n = len(page.Items)
			}
		case "fills":
			var page *tradingapi.Page[tradingapi.Fill]
			if page, err = trading.Fills(ctx, tradingapi.FillFilters{Limit: 50}); err == nil {
				n = len(page.Items)
			}
		default:
			continue
		}

		var apiErr *tradingapi.APIError
		switch {
		case errors.As(err, &apiErr):
			log.Warn("refresh failed", "view", key, "code", apiErr.Code, "status", apiErr.Status)
		case err != nil:
			log.Warn("refresh failed", "view", key, "error", err)
		default:
			fmt.Fprintf(w, "%s %d recent\n", labelStyle.Render(key+":"), n)
		}
	}
}

func init() {
	launchCmd.Flags().BoolVar(&skipKillSwitch, "skip-kill-switch", false, "do not poll the trading API kill switch")
	rootCmd.AddCommand(launchCmd)
}
