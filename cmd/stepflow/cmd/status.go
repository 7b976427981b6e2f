package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vantle/stepflow/pkg/schema"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the per-step state of a run",
	Long: `Display a run's record: overall status plus one row per step. Warns
when the run directory is locked by a live process or when the record
was hand-edited since the engine last wrote it.

Examples:
  stepflow status encode-20260825-120000-a1b2c3
  stepflow status encode-20260825-120000-a1b2c3 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output the full record as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.engine.Status(ctx, args[0])
	if err != nil {
		return err
	}

	if statusJSON {
		out := struct {
			*schema.RunRecord
			Digest string `json:"digest"`
			Locked bool   `json:"locked"`
			Edited bool   `json:"edited"`
		}{report.Record, report.Digest, report.Locked, report.Edited}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	w := cmd.OutOrStdout()
	rec := report.Record
	fmt.Fprintf(w, "Run:      %s\n", rec.RunID)
	fmt.Fprintf(w, "Pipeline: %s\n", rec.Pipeline)
	fmt.Fprintf(w, "Status:   %s\n", rec.Status)
	fmt.Fprintf(w, "Created:  %s\n", rec.CreatedAt.Format(time.DateTime))
	fmt.Fprintf(w, "Updated:  %s\n", rec.UpdatedAt.Format(time.DateTime))
	if rec.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", rec.Error)
	}
	if report.Locked {
		fmt.Fprintln(w, "warning: run directory is locked, a process may still be executing this run")
	}
	if report.Edited {
		fmt.Fprintln(w, "warning: record was hand-edited since the last checkpoint")
	}
	fmt.Fprintln(w)
	printStepTable(w, rec)
	return nil
}

func printStepTable(w io.Writer, rec *schema.RunRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tTYPE\tSTATUS\tDURATION\tNOTE")
	for _, st := range rec.Steps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.ID, st.Type, st.Status, stepDuration(st), stepNote(st))
	}
	tw.Flush()
}

func stepDuration(st *schema.StepState) string {
	if st.DurationMs <= 0 {
		return "-"
	}
	return fmt.Sprintf("%dms", st.DurationMs)
}

func stepNote(st *schema.StepState) string {
	switch {
	case st.Error != "":
		return st.Error
	case st.Overridden && len(st.OverriddenFields) > 0:
		return fmt.Sprintf("overridden: %v", st.OverriddenFields)
	case st.Overridden:
		return "overridden"
	}
	return ""
}
