package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/gridflow/gridflow/internal/graph"
	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/pkg/schema"
)

// --- Graphs ---

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	filter := store.GraphFilter{
		Name:  r.URL.Query().Get("name"),
		Limit: queryInt(r, "limit", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.GraphStatus(v)
		filter.Status = &status
	}

	defs, err := s.deps.Store.ListGraphs(r.Context(), tenantOf(r), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"graphs": defs})
}

func (s *Server) handleCreateGraph(w http.ResponseWriter, r *http.Request) {
	var def schema.GraphDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if def.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	def.TenantID = tenantOf(r)
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	def.Status = schema.GraphStatusDraft
	if def.Version <= 0 {
		def.Version = 1
	}

	if err := s.deps.Store.CreateGraph(r.Context(), &def); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": def.ID, "version": def.Version})
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	def, err := s.deps.Store.GetGraph(r.Context(), tenantOf(r), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleUpdateDraft(w http.ResponseWriter, r *http.Request) {
	var def schema.GraphDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	def.TenantID = tenantOf(r)
	def.ID = r.PathValue("id")

	if err := s.deps.Store.UpdateDraft(r.Context(), &def); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": def.ID})
}

// handlePublishGraph validates the latest draft, freezes it as a new
// published version, and reports any violations verbatim.
func (s *Server) handlePublishGraph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantOf(r)
	graphID := r.PathValue("id")

	def, err := s.deps.Store.GetGraph(ctx, tenantID, graphID)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	published, err := graph.Publish(def)
	if err != nil {
		var flowErr *schema.FlowError
		if asFlowError(err, &flowErr) && flowErr.Code == schema.ErrCodeValidation {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      flowErr.Message,
				"violations": flowErr.Details["violations"],
			})
			return
		}
		writeFlowError(w, err)
		return
	}

	if err := s.deps.Store.SaveGraphVersion(ctx, published); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": graphID, "version": published.Version})
}

func (s *Server) handleArchiveGraph(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.ArchiveGraph(r.Context(), tenantOf(r), r.PathValue("id")); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "status": schema.GraphStatusArchived})
}

// --- Executions ---

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{
		GraphID: r.URL.Query().Get("graph_id"),
		Limit:   queryInt(r, "limit", 50),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.ExecutionStatus(v)
		filter.Status = &status
	}

	execs, err := s.deps.Store.ListExecutions(r.Context(), tenantOf(r), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GraphID string         `json:"graph_id"`
		Input   map[string]any `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.GraphID == "" {
		writeError(w, http.StatusBadRequest, "graph_id is required")
		return
	}

	exec, err := s.deps.Flows.Manual(r.Context(), tenantOf(r), body.GraphID, body.Input)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantOf(r)
	execID := r.PathValue("id")

	exec, err := s.deps.Store.GetExecution(ctx, tenantID, execID)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	steps, err := s.deps.Store.ListSteps(ctx, tenantID, execID)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"execution": exec, "steps": steps})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.ListEvents(r.Context(), tenantOf(r), r.PathValue("id"),
		int64(queryInt(r, "since", 0)))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Cancel(r.Context(), tenantOf(r), r.PathValue("id")); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "cancelled": true})
}

func (s *Server) handleRetryExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Engine.Retry(r.Context(), tenantOf(r), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

// --- Approvals ---

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	filter := store.PendingActionFilter{
		ExecutionID: r.URL.Query().Get("execution_id"),
		Limit:       queryInt(r, "limit", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := store.ApprovalStatus(v)
		filter.Status = &status
	}

	actions, err := s.deps.Store.ListPendingActions(r.Context(), tenantOf(r), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": actions})
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approve  bool   `json:"approve"`
		Reviewer string `json:"reviewer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Reviewer == "" {
		writeError(w, http.StatusBadRequest, "reviewer is required")
		return
	}

	exec, err := s.deps.Engine.ResolveApproval(r.Context(), tenantOf(r), r.PathValue("id"), body.Approve, body.Reviewer)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"action_id": r.PathValue("id"),
		"approved":  body.Approve,
		"execution": exec,
	})
}

// --- Schedules ---

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.deps.Store.ListSchedules(r.Context(), tenantOf(r))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": scheds})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GraphID  string          `json:"graph_id"`
		CronExpr string          `json:"cron_expr"`
		Input    json.RawMessage `json:"input"`
		Enabled  *bool           `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.GraphID == "" || body.CronExpr == "" {
		writeError(w, http.StatusBadRequest, "graph_id and cron_expr are required")
		return
	}

	cronSched, err := cronParser.Parse(body.CronExpr)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cron expression: %v", err))
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	next := cronSched.Next(time.Now().UTC())

	sched := &store.Schedule{
		ID:        uuid.New().String(),
		TenantID:  tenantOf(r),
		GraphID:   body.GraphID,
		CronExpr:  body.CronExpr,
		Input:     body.Input,
		Enabled:   enabled,
		NextRunAt: &next,
	}
	if err := s.deps.Store.CreateSchedule(r.Context(), sched); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": sched.ID, "next_run_at": next})
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := s.deps.Store.SetScheduleEnabled(r.Context(), tenantOf(r), r.PathValue("id"), *body.Enabled); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "enabled": *body.Enabled})
}
