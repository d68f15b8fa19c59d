package mcp

import (
	"context"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// Executor is the engine surface exposed through MCP tools.
type Executor interface {
	StartWorkflow(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any) (string, error)
	ResumeWorkflow(ctx context.Context, executionID string, def *schema.WorkflowDefinition, inputs map[string]any) (bool, error)
	CancelExecution(ctx context.Context, executionID string) (bool, error)
	GetExecutionState(ctx context.Context, executionID string) (*store.ExecutionState, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.ExecutionState, error)
	Wait(ctx context.Context, executionID string) error
}

// ServerDeps holds the dependencies of a Server.
type ServerDeps struct {
	Executor Executor
	Loader   *validation.Loader
	Actions  validation.ActionLookup
	// Notifier, when set, is bound to the server so clients receive the
	// notifications of executions they started.
	Notifier *SessionNotifier
	Sessions *SessionRegistry
	Logger   *slog.Logger
}

// Server wraps an MCP server with stepflow tool handlers.
type Server struct {
	executor  Executor
	loader    *validation.Loader
	validator *validation.Validator
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &Server{
		executor: deps.Executor,
		loader:   deps.Loader,
		sessions: sessions,
		logger:   logger,
	}
	if deps.Loader != nil {
		s.validator = validation.NewValidator(deps.Loader.Schema(), deps.Actions)
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("stepflow runs declarative step workflows. Use stepflow.run to start one, "+
			"stepflow.status to inspect it, stepflow.resume to supply inputs a paused execution is waiting for, "+
			"stepflow.cancel to stop it and stepflow.list to find executions."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	if deps.Notifier != nil {
		deps.Notifier.Bind(mcpSrv)
	}
	return s
}

// Serve runs the stdio transport until ctx is cancelled or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}

// MCPServer returns the underlying MCPServer for custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Start a workflow execution"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition (steps, or nodes and connections)")),
		mcp.WithObject("input", mcp.Description("Execution input data")),
		mcp.WithString("user_id", mcp.Description("User the execution runs for when the definition has no created_by")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution pauses or finishes")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("stepflow.resume",
		mcp.WithDescription("Supply missing inputs to a paused execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the paused execution")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("The definition the execution was started with")),
		mcp.WithObject("inputs", mcp.Required(), mcp.Description("Values keyed by reference root, e.g. {\"approval\": {\"ok\": true}}")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution pauses or finishes")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepflow.cancel",
		mcp.WithDescription("Cancel a non-terminal execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get the state of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("stepflow.list",
		mcp.WithDescription("List executions"),
		mcp.WithString("workflow_id", mcp.Description("Only executions of this workflow")),
		mcp.WithString("user_id", mcp.Description("Only executions of this user")),
		mcp.WithString("status", mcp.Description("Only executions in this status")),
		mcp.WithNumber("limit", mcp.Description("Maximum executions to return (default 50)")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("stepflow.validate",
		mcp.WithDescription("Validate a workflow definition without running it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition to validate")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("stepflow.diagram",
		mcp.WithDescription("Render a workflow as ASCII art, a Mermaid flowchart or a base64-encoded PNG"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition to render")),
		mcp.WithString("execution_id", mcp.Description("Overlay the step status of this execution")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format"),
		),
	)
}
