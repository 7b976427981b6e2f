package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vantle/stepflow/internal/validation"
)

var stepsCmd = &cobra.Command{
	Use:   "steps",
	Short: "List registered step types",
	Long: `List the step types available to pipeline definitions, with their
parameter schemas on request.

Examples:
  stepflow steps
  stepflow steps --schemas --json`,
	Args: cobra.NoArgs,
	RunE: runSteps,
}

var (
	stepsSchemas bool
	stepsJSON    bool
)

func init() {
	stepsCmd.Flags().BoolVar(&stepsSchemas, "schemas", false, "include parameter and output JSON schemas")
	stepsCmd.Flags().BoolVar(&stepsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(stepsCmd)
}

func runSteps(cmd *cobra.Command, args []string) error {
	// Listing step types needs no run state, so skip the full app wiring.
	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}
	registry, err := newRegistry(loadConfig(), jsv)
	if err != nil {
		return err
	}

	infos := registry.List()

	if stepsJSON {
		type stepView struct {
			Name         string          `json:"name"`
			Description  string          `json:"description,omitempty"`
			InputSchema  json.RawMessage `json:"input_schema,omitempty"`
			OutputSchema json.RawMessage `json:"output_schema,omitempty"`
		}
		views := make([]stepView, 0, len(infos))
		for _, info := range infos {
			view := stepView{Name: info.Name, Description: info.Description}
			if stepsSchemas {
				if step, err := registry.Get(info.Name); err == nil {
					s := step.Schema()
					view.InputSchema = s.InputSchema
					view.OutputSchema = s.OutputSchema
				}
			}
			views = append(views, view)
		}
		data, err := json.MarshalIndent(views, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tDESCRIPTION")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\n", info.Name, info.Description)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if stepsSchemas {
		w := cmd.OutOrStdout()
		for _, info := range infos {
			step, err := registry.Get(info.Name)
			if err != nil {
				continue
			}
			s := step.Schema()
			if len(s.InputSchema) == 0 {
				continue
			}
			fmt.Fprintf(w, "\n%s params:\n%s\n", info.Name, s.InputSchema)
		}
	}
	return nil
}
