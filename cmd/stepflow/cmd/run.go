package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vantle/stepflow/internal/engine"
	"github.com/vantle/stepflow/internal/runstore"
	"github.com/vantle/stepflow/internal/validation"
	"github.com/vantle/stepflow/pkg/schema"
)

var runCmd = &cobra.Command{
	Use:   "run <definition>",
	Short: "Run a pipeline definition",
	Long: `Run a pipeline definition from start to finish, checkpointing after
every step. The run id is derived from the pipeline name unless --run-id
is given. A failed or interrupted run keeps its record on disk and can be
picked up later with 'stepflow resume'.

Examples:
  stepflow run pipeline.yaml
  stepflow run pipeline.yaml --set env=staging --set retries=3
  stepflow run pipeline.yaml --run-id nightly-encode --force
  stepflow run pipeline.yaml --follow`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runRunID    string
	runForce    bool
	runSet      []string
	runFromStep string
	runFollow   bool
	runJSON     bool
)

func init() {
	runCmd.Flags().StringVar(&runRunID, "run-id", "", "run id (default derived from pipeline name)")
	runCmd.Flags().BoolVar(&runForce, "force", false, "overwrite an existing run directory with the same id")
	runCmd.Flags().StringArrayVar(&runSet, "set", nil, "run input (format: key=value, repeatable)")
	runCmd.Flags().StringVar(&runFromStep, "from-step", "", "start execution at the named step")
	runCmd.Flags().BoolVar(&runFollow, "follow", false, "print progress events as steps execute")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "output result as JSON")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	doc, err := os.ReadFile(args[0])
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDefinition, "reading definition %s: %v", args[0], err).WithCause(err)
	}
	def, err := validation.DecodeDefinition(bytes.NewReader(doc))
	if err != nil {
		return err
	}

	inputs, err := parseSetFlags(runSet)
	if err != nil {
		return err
	}

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	opts := engine.RunOptions{
		RunID:    runRunID,
		Force:    runForce,
		Inputs:   inputs,
		FromStep: runFromStep,
	}

	if runFollow {
		if opts.RunID == "" {
			opts.RunID = runstore.NewRunID(def.Pipeline)
		}
		stop, err := startFollow(ctx, app.hub, opts.RunID, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer stop()
	}

	result, err := app.engine.Run(ctx, def, doc, opts)
	if err != nil {
		return err
	}
	return printRunResult(cmd, result, runJSON)
}

// printRunResult reports the outcome of an executed run. A run that started
// but failed returns its error so the process exits with the step's code,
// after the summary went to stdout.
func printRunResult(cmd *cobra.Command, result *engine.RunResult, asJSON bool) error {
	if asJSON {
		out := map[string]any{
			"run_id":   result.RunID,
			"pipeline": result.Pipeline,
			"status":   result.Status,
		}
		if result.Error != nil {
			out["error"] = result.Error.Error()
			out["error_code"] = schema.CodeOf(result.Error)
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return result.Error
	}

	if result.Error != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s %s\n", result.RunID, result.Status)
		fmt.Fprintf(cmd.OutOrStdout(), "Inspect with: stepflow status %s\n", result.RunID)
		fmt.Fprintf(cmd.OutOrStdout(), "Retry with:   stepflow resume %s\n", result.RunID)
		return result.Error
	}

	completed, skipped := 0, 0
	if result.Record != nil {
		for _, st := range result.Record.Steps {
			switch st.Status {
			case schema.StepStatusCompleted:
				completed++
			case schema.StepStatusSkipped:
				skipped++
			}
		}
	}
	if skipped > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s completed (%d steps, %d skipped)\n", result.RunID, completed, skipped)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s completed (%d steps)\n", result.RunID, completed)
	}
	return nil
}

// parseSetFlags turns repeated key=value pairs into run inputs. Values are
// decoded as YAML scalars, so --set retries=3 arrives as an int and
// --set dry=true as a bool.
func parseSetFlags(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid --set %q (expected key=value)", pair)
		}
		if raw == "" {
			inputs[key] = ""
			continue
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		inputs[key] = value
	}
	return inputs, nil
}
