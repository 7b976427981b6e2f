package cmd

import (
	"github.com/spf13/cobra"

	"github.com/vantle/stepflow/pkg/schema"
)

// Version is set at build time via ldflags:
//
//	go build -ldflags "-X github.com/vantle/stepflow/cmd/stepflow/cmd.Version=v1.0.0" ./cmd/stepflow/
var Version = "dev"

var flagHome string

var rootCmd = &cobra.Command{
	Use:   "stepflow",
	Short: "Declarative step pipelines with durable, resumable runs",
	Long: `Stepflow runs YAML pipeline definitions step by step, checkpointing
after every step so an interrupted or failed run can be resumed exactly
where it stopped. Run records are plain YAML files you can inspect and
hand-edit between attempts.

State lives under $STEPFLOW_HOME (default ~/.stepflow): run directories,
the run index database, and scheduled pipeline definitions.

Examples:
  stepflow run pipeline.yaml --set env=staging --follow
  stepflow resume encode-20260825-120000-a1b2c3 --step fetch
  stepflow status encode-20260825-120000-a1b2c3
  stepflow scheduler --once`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// Exit codes. Definition problems, reference problems, and step failures
// get distinct codes so shell callers can branch without parsing output.
const (
	exitOK         = 0
	exitGeneral    = 1
	exitDefinition = 2
	exitReference  = 3
	exitStep       = 4
)

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch schema.CodeOf(err) {
	case schema.ErrCodeDefinition, schema.ErrCodeUnknownStepType, schema.ErrCodeDuplicateStepID:
		return exitDefinition
	case schema.ErrCodeRefNotFound, schema.ErrCodeRefPath:
		return exitReference
	case schema.ErrCodeStepExecution:
		return exitStep
	default:
		return exitGeneral
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagHome, "home", "", "state directory (default $STEPFLOW_HOME or ~/.stepflow)")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("stepflow {{.Version}}\n")
}
