package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/killallgit/s24/pkg/config"
	"github.com/killallgit/s24/pkg/logger"
	"github.com/killallgit/s24/pkg/session"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect the persisted trading session",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the session status and transcript",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSessionStore()
		if err != nil {
			return err
		}
		printSessionSummary(cmd.OutOrStdout(), store.Snapshot())
		return nil
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end",
	Short: "End the active session and clear its transcript",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSessionStore()
		if err != nil {
			return err
		}
		if !store.Snapshot().IsActive {
			fmt.Fprintln(cmd.OutOrStdout(), "no active session")
			return nil
		}
		if err := store.EndSession(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "session ended")
		return nil
	},
}

var sessionWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow session changes made by other processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSessionStore()
		if err != nil {
			return err
		}
		return watchSession(cmd.Context(), store, cmd.OutOrStdout())
	},
}

func openSessionStore() (*session.Store, error) {
	return session.NewStore(session.NewFileStore(config.Get().Session.Path))
}

// watchSession prints the current session, then the transcript as it grows
// and every status change, until ctx is done.
func watchSession(ctx context.Context, store *session.Store, w io.Writer) error {
	changed, unsubscribe := store.Subscribe()
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return store.Watch(ctx)
	})
	g.Go(func() error {
		printer := newTranscriptPrinter(w)
		last := store.Snapshot()
		printSessionHeader(w, last)
		printer.render(last.PreviewMessages)

		for {
			select {
			case <-ctx.Done():
				printer.finish()
				return nil
			case <-changed:
			}

			st := store.Snapshot()
			if st.Status != last.Status {
				printer.finish()
				fmt.Fprintf(w, "%s %s\n", labelStyle.Render("status:"), st.Status)
			}
			if len(st.PreviewMessages) < len(last.PreviewMessages) {
				printer.reset()
			}
			printer.render(st.PreviewMessages)
			last = st
		}
	})
	return g.Wait()
}

// logSessionChanges follows durable session changes and logs status moves
func logSessionChanges(ctx context.Context, store *session.Store) error {
	log := logger.WithComponent("session.watch")
	changed, unsubscribe := store.Subscribe()
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return store.Watch(ctx)
	})
	g.Go(func() error {
		status := store.Status()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
				if next := store.Status(); next != status {
					log.Info("session status changed", "from", status, "to", next)
					status = next
				}
			}
		}
	})
	return g.Wait()
}

func init() {
	sessionCmd.AddCommand(sessionShowCmd, sessionEndCmd, sessionWatchCmd)
	rootCmd.AddCommand(sessionCmd)
}
