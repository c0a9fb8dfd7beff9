package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/pkg/schema"
)

// handleRun starts an execution and waits for it to reach a terminal or
// suspended state.
func (s *GridflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	graphID, err := req.RequireString("graph_id")
	if err != nil {
		return mcp.NewToolResultError("graph_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	agentID := req.GetString("agent_id", "")

	if agentID != "" {
		s.captureSession(ctx, agentID)
	}

	var exec *store.Execution
	var runErr error
	if agentID != "" {
		exec, runErr = s.flows.Agent(ctx, tenantID, graphID, agentID, input)
	} else {
		exec, runErr = s.flows.Manual(ctx, tenantID, graphID, input)
	}
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution failed to start: %v", runErr)), nil
	}

	return marshalResult(executionSummary(exec))
}

// handleStatus returns an execution's current state with per-step detail.
func (s *GridflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, getErr := s.store.GetExecution(ctx, tenantID, executionID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}
	steps, stepsErr := s.store.ListSteps(ctx, tenantID, executionID)
	if stepsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("step query failed: %v", stepsErr)), nil
	}

	result := executionSummary(exec)
	result["steps"] = steps
	return marshalResult(result)
}

// handleCancel requests cooperative cancellation.
func (s *GridflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if cancelErr := s.coordinator.Cancel(ctx, tenantID, executionID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
		"note":         "cancellation is cooperative; in-flight steps finish recording first",
	})
}

// handleRetry spawns a fresh execution of a failed run.
func (s *GridflowServer) handleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, retryErr := s.coordinator.Retry(ctx, tenantID, executionID)
	if retryErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("retry failed: %v", retryErr)), nil
	}
	return marshalResult(executionSummary(exec))
}

// handleEvents lists an execution's telemetry events.
func (s *GridflowServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	since := int64(intArg(req.GetArguments(), "since", 0))

	events, listErr := s.store.ListEvents(ctx, tenantID, executionID, since)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// handleApprovalsList lists pending actions for a tenant.
func (s *GridflowServer) handleApprovalsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}

	filter := store.PendingActionFilter{
		ExecutionID: req.GetString("execution_id", ""),
		Limit:       intArg(req.GetArguments(), "limit", 50),
	}
	status := store.ApprovalStatus(req.GetString("status", string(store.ApprovalPending)))
	filter.Status = &status

	actions, listErr := s.store.ListPendingActions(ctx, tenantID, filter)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("approval query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"approvals": actions})
}

// handleApprovalsResolve applies a human decision to a pending action.
func (s *GridflowServer) handleApprovalsResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	actionID, err := req.RequireString("action_id")
	if err != nil {
		return mcp.NewToolResultError("action_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	reviewer, err := req.RequireString("reviewer")
	if err != nil {
		return mcp.NewToolResultError("reviewer is required"), nil
	}
	if decision != "approve" && decision != "reject" {
		return mcp.NewToolResultError("decision must be approve or reject"), nil
	}

	exec, resolveErr := s.coordinator.ResolveApproval(ctx, tenantID, actionID, decision == "approve", reviewer)
	if resolveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resolve failed: %v", resolveErr)), nil
	}

	result := executionSummary(exec)
	result["action_id"] = actionID
	result["decision"] = decision
	return marshalResult(result)
}

// handleGraphsList lists a tenant's graphs.
func (s *GridflowServer) handleGraphsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}

	filter := store.GraphFilter{
		Name:  req.GetString("name", ""),
		Limit: intArg(req.GetArguments(), "limit", 50),
	}
	if status := req.GetString("status", ""); status != "" {
		gs := schema.GraphStatus(status)
		filter.Status = &gs
	}

	graphs, listErr := s.store.ListGraphs(ctx, tenantID, filter)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("graph query failed: %v", listErr)), nil
	}

	summaries := make([]map[string]any, 0, len(graphs))
	for _, g := range graphs {
		summaries = append(summaries, map[string]any{
			"id":      g.ID,
			"name":    g.Name,
			"status":  g.Status,
			"version": g.Version,
			"nodes":   len(g.Nodes),
			"edges":   len(g.Edges),
		})
	}
	return marshalResult(map[string]any{"graphs": summaries})
}

// --- Internal helpers ---

// executionSummary flattens an execution into the shape tools return.
func executionSummary(exec *store.Execution) map[string]any {
	summary := map[string]any{
		"execution_id":  exec.ID,
		"graph_id":      exec.GraphID,
		"graph_version": exec.GraphVersion,
		"status":        exec.Status,
		"trigger":       exec.Trigger,
		"counters": map[string]int{
			"total":     exec.TotalSteps,
			"succeeded": exec.SucceededSteps,
			"failed":    exec.FailedSteps,
			"skipped":   exec.SkippedSteps,
		},
		"created_at": exec.CreatedAt.Format(time.RFC3339),
	}
	if exec.RetryOf != "" {
		summary["retry_of"] = exec.RetryOf
	}
	if len(exec.Output) > 0 {
		summary["output"] = json.RawMessage(exec.Output)
	}
	if len(exec.Error) > 0 {
		summary["error"] = json.RawMessage(exec.Error)
	}
	if exec.CompletedAt != nil {
		summary["completed_at"] = exec.CompletedAt.Format(time.RFC3339)
	}
	return summary
}

// intArg safely extracts an integer argument.
func intArg(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the agent ID to its current MCP session for
// notifications.
func (s *GridflowServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
