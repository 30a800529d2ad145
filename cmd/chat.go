package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/killallgit/s24/pkg/config"
	"github.com/killallgit/s24/pkg/stream"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat <prompt>",
	Short: "Send one prompt to the agent and stream the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		streams := stream.New(stream.OptionsFromConfig(config.Get()))
		return runChat(cmd.Context(), streams, strings.Join(args, " "), cmd.OutOrStdout())
	},
}

// runChat starts one turn and writes its text as it arrives. It returns once
// the turn reaches a terminal event.
func runChat(ctx context.Context, streams *stream.Orchestrator, prompt string, w io.Writer) error {
	changed, unsubscribe := streams.Subscribe()
	defer unsubscribe()
	_, cursor := streams.EventsSince(^uint64(0))

	streamID, err := streams.Start(ctx, prompt)
	if err != nil {
		return err
	}

	var text strings.Builder
	defer fmt.Fprintln(w)
	fmt.Fprintf(w, "%s: ", roleLabel("assistant"))

	for {
		var events []stream.Event
		events, cursor = streams.EventsSince(cursor)
		for _, e := range events {
			if e.StreamID != streamID {
				continue
			}
			switch e.Phase {
			case stream.PhaseDelta:
				text.WriteString(e.Text)
				fmt.Fprint(w, e.Text)
			case stream.PhaseCompleted:
				if final, ok := stream.LatestAssistantText(e.Raw); ok {
					suffix := stream.Suffix(text.String(), final)
					if suffix != final || text.Len() == 0 {
						fmt.Fprint(w, suffix)
					}
				}
				return nil
			case stream.PhaseError:
				if e.Error == "" {
					return errors.New("stream failed")
				}
				return errors.New(e.Error)
			}
		}

		select {
		case <-ctx.Done():
			streams.Cancel()
			return context.Cause(ctx)
		case <-changed:
		}
	}
}

func init() {
	rootCmd.AddCommand(chatCmd)
}
