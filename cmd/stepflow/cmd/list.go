package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vantle/stepflow/internal/index"
	"github.com/vantle/stepflow/pkg/schema"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed runs, newest first",
	Long: `List runs from the run index. The index is a queryable cache over
the run directories; the YAML record in each run directory stays the
source of truth.

Examples:
  stepflow list
  stepflow list --pipeline encode --status failed
  stepflow list --since 24h --json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var (
	listPipeline string
	listStatus   string
	listSince    string
	listLimit    int
	listJSON     bool
)

func init() {
	listCmd.Flags().StringVar(&listPipeline, "pipeline", "", "only runs of the named pipeline")
	listCmd.Flags().StringVar(&listStatus, "status", "", "only runs with this status (pending|running|completed|failed)")
	listCmd.Flags().StringVar(&listSince, "since", "", "only runs created in the last duration (e.g. 24h) or after an RFC3339 time")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum rows")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	filter := index.RunFilter{
		Pipeline: listPipeline,
		Limit:    listLimit,
	}
	if listStatus != "" {
		status := schema.RunStatus(listStatus)
		if !status.Valid() {
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", listStatus)
		}
		filter.Status = &status
	}
	if listSince != "" {
		since, err := parseSince(listSince)
		if err != nil {
			return err
		}
		filter.Since = &since
	}

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	runs, err := app.ix.ListRuns(ctx, filter)
	if err != nil {
		return err
	}

	if listJSON {
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPIPELINE\tSTATUS\tSTEP\tUPDATED")
	for _, r := range runs {
		step := r.CurrentStep
		if step == "" {
			step = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.Pipeline, r.Status, step, r.UpdatedAt.Format(time.DateTime))
	}
	return tw.Flush()
}

// parseSince accepts either a relative duration ("24h") or an absolute
// RFC3339 timestamp.
func parseSince(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid --since %q (want a duration like 24h or an RFC3339 time)", s)
}
