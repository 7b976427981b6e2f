package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Show a run's event journal",
	Long: `Print the append-only event journal of a run, in sequence order.
The journal records what happened and when; the run record holds the
resulting state.

Examples:
  stepflow events encode-20260825-120000-a1b2c3
  stepflow events encode-20260825-120000-a1b2c3 --since 14 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runEvents,
}

var (
	eventsSince int64
	eventsJSON  bool
)

func init() {
	eventsCmd.Flags().Int64Var(&eventsSince, "since", 0, "only events with a sequence number greater than this")
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	events, err := app.ix.GetEvents(ctx, args[0], eventsSince)
	if err != nil {
		return err
	}

	if eventsJSON {
		data, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	if len(events) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No events.")
		return nil
	}
	for _, ev := range events {
		fmt.Fprintf(cmd.OutOrStdout(), "%5d  %s\n", ev.Seq, formatEvent(*ev))
	}
	return nil
}
