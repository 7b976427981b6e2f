package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vantle/stepflow/internal/engine"
	"github.com/vantle/stepflow/internal/index"
	"github.com/vantle/stepflow/internal/steps"
	"github.com/vantle/stepflow/internal/streaming"
	"github.com/vantle/stepflow/pkg/schema"
)

// Runner is the engine surface the tool handlers drive.
type Runner interface {
	Run(ctx context.Context, def *schema.PipelineDefinition, definitionDoc []byte, opts engine.RunOptions) (*engine.RunResult, error)
	Resume(ctx context.Context, runID string, opts engine.ResumeOptions) (*engine.RunResult, error)
	Status(ctx context.Context, runID string) (*engine.StatusReport, error)
}

// StepflowServerDeps holds the dependencies for creating a StepflowServer.
type StepflowServerDeps struct {
	Runner   Runner
	Index    *index.Index
	Registry *steps.Registry
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// StepflowServer wraps an MCP server with stepflow-specific tool handlers.
type StepflowServer struct {
	runner    Runner
	ix        *index.Index
	registry  *steps.Registry
	hub       streaming.EventHub
	sessions  *SessionRegistry
	notifier  RunNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStepflowServer creates a new StepflowServer with all 5 tools registered.
func NewStepflowServer(deps StepflowServerDeps) *StepflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StepflowServer{
		runner:   deps.Runner,
		ix:       deps.Index,
		registry: deps.Registry,
		hub:      deps.Hub,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow runs declarative step pipelines with durable, resumable run records. Use stepflow.run to start a pipeline, stepflow.resume to continue a failed or interrupted run, stepflow.status to inspect a run's per-step state, stepflow.list_runs to browse the run index, and stepflow.list_steps to discover available step types."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StepflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *StepflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listRunsTool(), Handler: s.handleListRuns},
		{Tool: listStepsTool(), Handler: s.handleListSteps},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Run a pipeline definition from start to finish"),
		mcp.WithString("definition", mcp.Description("Path to a pipeline definition file on the server")),
		mcp.WithString("definition_yaml", mcp.Description("Inline pipeline definition document (alternative to definition)")),
		mcp.WithObject("inputs", mcp.Description("Run inputs layered over the definition's input defaults")),
		mcp.WithString("run_id", mcp.Description("Explicit run id (default: generated from the pipeline name)")),
		mcp.WithBoolean("force", mcp.Description("Overwrite an existing run directory with the same id")),
		mcp.WithBoolean("follow", mcp.Description("Push run events to this session as notifications while the run executes")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("stepflow.resume",
		mcp.WithDescription("Resume a persisted run, skipping steps that already completed"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
		mcp.WithString("from_step", mcp.Description("Reset this step and everything after it, then rerun from there")),
		mcp.WithString("step", mcp.Description("Execute exactly this one step, then leave the run pending")),
		mcp.WithBoolean("confirm_interrupted", mcp.Description("Mark a step left running by a dead process as failed and rerun it")),
		mcp.WithBoolean("follow", mcp.Description("Push run events to this session as notifications while the run executes")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get the per-step state of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
		mcp.WithBoolean("include_results", mcp.Description("Include full step results instead of output summaries")),
	)
}

func listRunsTool() mcp.Tool {
	return mcp.NewTool("stepflow.list_runs",
		mcp.WithDescription("List indexed runs, newest first"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (pipeline, status, since, limit)")),
	)
}

func listStepsTool() mcp.Tool {
	return mcp.NewTool("stepflow.list_steps",
		mcp.WithDescription("List registered step types"),
		mcp.WithBoolean("include_schemas", mcp.Description("Include input/output JSON Schemas per step type")),
	)
}
