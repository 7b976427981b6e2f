package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vantle/stepflow/internal/engine"
	"github.com/vantle/stepflow/pkg/schema"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a persisted run",
	Long: `Resume a run from its persisted record, skipping steps that already
completed. Hand-edits to the record are honored: a step whose output you
replaced is treated as completed with that output.

A run interrupted mid-step (crash, Ctrl-C) needs --confirm-interrupted,
which marks the interrupted step failed and reruns it.

Examples:
  stepflow resume encode-20260825-120000-a1b2c3
  stepflow resume encode-20260825-120000-a1b2c3 --step fetch
  stepflow resume encode-20260825-120000-a1b2c3 --from-step transform
  stepflow resume encode-20260825-120000-a1b2c3 --confirm-interrupted`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var (
	resumeFromStep string
	resumeStep     string
	resumeConfirm  bool
	resumeFollow   bool
	resumeJSON     bool
)

func init() {
	resumeCmd.Flags().StringVar(&resumeFromStep, "from-step", "", "reset the named step and everything after it, then rerun")
	resumeCmd.Flags().StringVar(&resumeStep, "step", "", "rerun only the named step, keeping later results")
	resumeCmd.Flags().BoolVar(&resumeConfirm, "confirm-interrupted", false, "mark an interrupted step failed and rerun it")
	resumeCmd.Flags().BoolVar(&resumeFollow, "follow", false, "print progress events as steps execute")
	resumeCmd.Flags().BoolVar(&resumeJSON, "json", false, "output result as JSON")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runID := args[0]

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	var stop func()
	if resumeFollow {
		stop, err = startFollow(ctx, app.hub, runID, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer stop()
	}

	result, err := app.engine.Resume(ctx, runID, engine.ResumeOptions{
		FromStep:           resumeFromStep,
		Step:               resumeStep,
		ConfirmInterrupted: resumeConfirm,
	})
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeInterrupted) && !resumeConfirm {
			fmt.Fprintln(cmd.ErrOrStderr(), "The run was interrupted mid-step. Pass --confirm-interrupted to mark the step failed and rerun it.")
		}
		return err
	}
	return printRunResult(cmd, result, resumeJSON)
}
