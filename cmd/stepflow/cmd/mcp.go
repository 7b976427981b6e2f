package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vantle/stepflow/pkg/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve pipelines over the Model Context Protocol on stdio",
	Long: `Expose run, resume, status, list_runs, and list_steps as MCP tools
on stdin/stdout, so MCP clients can drive pipelines. Logs go to stderr;
stdout carries only the protocol.

Register with an MCP client as: stepflow mcp`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := mcp.NewStepflowServer(mcp.StepflowServerDeps{
		Runner:   app.engine,
		Index:    app.ix,
		Registry: app.registry,
		Hub:      app.hub,
		Logger:   app.logger,
	})

	app.logger.Info("mcp server listening on stdio")
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
