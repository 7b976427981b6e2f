package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vantle/stepflow/internal/expressions"
	"github.com/vantle/stepflow/internal/validation"
	"github.com/vantle/stepflow/pkg/schema"
)

var validateCmd = &cobra.Command{
	Use:   "validate <definition>",
	Short: "Validate a pipeline definition without running it",
	Long: `Check a definition structurally (document shape), semantically (step
types, duplicate ids, skip_if expressions), and for reference order
(references only to earlier steps). Warnings do not fail validation.

Examples:
  stepflow validate pipeline.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	def, err := validation.LoadDefinition(args[0])
	if err != nil {
		return err
	}

	// Validation needs the registry and a condition checker, not run state.
	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}
	registry, err := newRegistry(loadConfig(), jsv)
	if err != nil {
		return err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	validator, err := validation.NewPipelineValidator(registry, cel)
	if err != nil {
		return err
	}

	result := validator.Validate(def)

	w := cmd.OutOrStdout()
	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "warning: %s: %s\n", warn.Path, warn.Message)
	}
	if !result.Valid() {
		for _, issue := range result.Errors {
			fmt.Fprintf(w, "error: %s: %s\n", issue.Path, issue.Message)
		}
		return schema.NewErrorf(schema.ErrCodeDefinition, "%s: %d validation error(s)", args[0], len(result.Errors))
	}

	fmt.Fprintf(w, "%s: valid (%d steps)\n", args[0], len(def.Steps))
	return nil
}
