// Package mcp exposes the flow engine to agents over the Model Context
// Protocol: running and inspecting executions, and resolving approvals.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gridflow/gridflow/internal/engine"
	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/internal/trigger"
)

// GridflowServerDeps holds the dependencies for creating a GridflowServer.
type GridflowServerDeps struct {
	Flows       *trigger.Service
	Coordinator *engine.Coordinator
	Store       store.Store
	Logger      *slog.Logger
}

// GridflowServer wraps an MCP server with flow-engine tool handlers.
type GridflowServer struct {
	flows       *trigger.Service
	coordinator *engine.Coordinator
	store       store.Store
	sessions    *SessionRegistry
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewGridflowServer creates a GridflowServer with all tools registered.
func NewGridflowServer(deps GridflowServerDeps) *GridflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &GridflowServer{
		flows:       deps.Flows,
		coordinator: deps.Coordinator,
		store:       deps.Store,
		sessions:    NewSessionRegistry(),
		logger:      logger,
	}

	mcpSrv := server.NewMCPServer(
		"gridflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Gridflow runs multi-tenant workflow graphs. Use flow.run to start an execution, flow.status to inspect it, flow.cancel/flow.retry to control it, approvals.list and approvals.resolve to handle human-in-the-loop gates, and graphs.list to discover published graphs. Every call is scoped by tenant_id."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *GridflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *GridflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns a push notifier bound to this server's sessions,
// suitable for the coordinator's approval notifications.
func (s *GridflowServer) Notifier() *MCPNotifier {
	return NewMCPNotifier(s.mcpServer, s.sessions)
}

func (s *GridflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: retryTool(), Handler: s.handleRetry},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: approvalsListTool(), Handler: s.handleApprovalsList},
		{Tool: approvalsResolveTool(), Handler: s.handleApprovalsResolve},
		{Tool: graphsListTool(), Handler: s.handleGraphsList},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("flow.run",
		mcp.WithDescription("Start an execution of a published graph and wait until it completes, fails, or suspends on an approval"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant owning the graph")),
		mcp.WithString("graph_id", mcp.Required(), mcp.Description("Graph to execute (latest published version)")),
		mcp.WithObject("input", mcp.Description("Execution input payload")),
		mcp.WithString("agent_id", mcp.Description("ID of the agent initiating the run; recorded as the trigger source")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Get an execution's status, counters, and per-step detail"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant owning the execution")),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution to inspect")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flow.cancel",
		mcp.WithDescription("Request cooperative cancellation of a running execution"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant owning the execution")),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution to cancel")),
	)
}

func retryTool() mcp.Tool {
	return mcp.NewTool("flow.retry",
		mcp.WithDescription("Start a fresh execution of a failed run on the same graph version"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant owning the execution")),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Failed execution to retry")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("flow.events",
		mcp.WithDescription("List an execution's telemetry events in sequence order"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant owning the execution")),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution to read events for")),
		mcp.WithNumber("since", mcp.Description("Return events with sequence greater than this (default 0)")),
	)
}

func approvalsListTool() mcp.Tool {
	return mcp.NewTool("approvals.list",
		mcp.WithDescription("List pending approval actions for a tenant"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant to list approvals for")),
		mcp.WithString("execution_id", mcp.Description("Restrict to one execution")),
		mcp.WithString("status", mcp.Description("Filter by status (pending, approved, rejected, expired, auto_approved); default pending")),
		mcp.WithNumber("limit", mcp.Description("Maximum rows to return (default 50)")),
	)
}

func approvalsResolveTool() mcp.Tool {
	return mcp.NewTool("approvals.resolve",
		mcp.WithDescription("Approve or reject a pending action; approval resumes the suspended execution"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant owning the action")),
		mcp.WithString("action_id", mcp.Required(), mcp.Description("Pending action to resolve")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approve", "reject"),
			mcp.Description("Resolution decision"),
		),
		mcp.WithString("reviewer", mcp.Required(), mcp.Description("Identity of the reviewer, recorded in the audit trail")),
	)
}

func graphsListTool() mcp.Tool {
	return mcp.NewTool("graphs.list",
		mcp.WithDescription("List a tenant's graphs (latest version of each)"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant to list graphs for")),
		mcp.WithString("status", mcp.Description("Filter by lifecycle status (draft, published, archived)")),
		mcp.WithString("name", mcp.Description("Filter by exact name")),
		mcp.WithNumber("limit", mcp.Description("Maximum rows to return (default 50)")),
	)
}
