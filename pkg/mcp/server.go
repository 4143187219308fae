package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/botflow-dev/botflow/internal/engine"
	"github.com/botflow-dev/botflow/internal/store"
	"github.com/botflow-dev/botflow/internal/validation"
)

// FlowRunner runs one message through a stored flow. Satisfied by
// engine.Coordinator.
type FlowRunner interface {
	HandleMessage(ctx context.Context, flowID string, msg engine.Message) (*engine.RunResult, error)
}

// BotflowServerDeps holds the dependencies for creating a BotflowServer.
type BotflowServerDeps struct {
	Runner    FlowRunner
	Store     store.Store
	Validator *validation.FlowValidator
	Logger    *slog.Logger
}

// BotflowServer wraps an MCP server with botflow-specific tool handlers.
type BotflowServer struct {
	runner    FlowRunner
	store     store.Store
	validator *validation.FlowValidator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewBotflowServer creates a new BotflowServer with all 5 tools registered.
func NewBotflowServer(deps BotflowServerDeps) *BotflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &BotflowServer{
		runner:    deps.Runner,
		store:     deps.Store,
		validator: deps.Validator,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"botflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Botflow executes visual chatbot logic flows. Use botflow.define to register a flow, botflow.validate to lint a definition, botflow.preview to run one message through a flow, botflow.diagram to render it, and botflow.query to list flows/runs/events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *BotflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *BotflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *BotflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: previewTool(), Handler: s.handlePreview},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func previewTool() mcp.Tool {
	return mcp.NewTool("botflow.preview",
		mcp.WithDescription("Run one user message through a registered flow and return outputs and diagnostics"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("ID of the flow to run")),
		mcp.WithString("message", mcp.Required(), mcp.Description("User message text")),
		mcp.WithString("user_id", mcp.Description("User identity for the session scope")),
		mcp.WithString("session_id", mcp.Description("Session identity for the session scope")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("botflow.validate",
		mcp.WithDescription("Validate a flow definition without registering it. Returns errors and warnings"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Flow definition object")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("botflow.define",
		mcp.WithDescription("Register or update a flow. The definition is validated first; updates bump the stored version"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("Flow ID")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Flow definition object")),
		mcp.WithString("name", mcp.Description("Display name")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("botflow.diagram",
		mcp.WithDescription("Render a flow as a diagram. Returns Mermaid flowchart syntax or a base64-encoded PNG"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("ID of the flow to render")),
		mcp.WithString("format", mcp.Description("Output format: mermaid (default) or image (base64 PNG)"),
			mcp.Enum("mermaid", "image"),
		),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("botflow.query",
		mcp.WithDescription("Query flows, runs, or run events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("flows", "runs", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (flow_id, session_id, status, run_id, event_type, limit)")),
	)
}
