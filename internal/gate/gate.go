package gate

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gridflow/gridflow/internal/graph"
	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/pkg/schema"
)

// Decision is the gate's verdict for one node dispatch.
type Decision int

const (
	// Proceed clears the node to execute immediately.
	Proceed Decision = iota
	// Suspend parks the node behind a pending approval.
	Suspend
)

// Gate evaluates every side-effecting dispatch against the execution's
// captured autonomy policy and persists the audit trail. The gate never
// resumes anything itself; the coordinator reacts to resolutions.
type Gate struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Gate backed by the given store.
func New(st store.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: st, logger: logger}
}

// Clear decides whether a node may execute under the policy captured at
// execution start. A Suspend verdict persists a pending action with the
// policy's TTL and emits gate.requested; a Proceed verdict for a gated
// node records an auto-approved action and emits gate.auto_approved.
func (g *Gate) Clear(ctx context.Context, exec *store.Execution, gr *graph.Graph, node *graph.Node, policy schema.AutonomyPolicy) (Decision, *store.PendingAction, error) {
	if !Gated(node.Type()) {
		return Proceed, nil, nil
	}

	risk, reasons := CheckRisk(gr, node)
	now := time.Now().UTC()

	if !policy.RequiresApproval(risk) {
		pa := &store.PendingAction{
			ID:          uuid.NewString(),
			TenantID:    exec.TenantID,
			ExecutionID: exec.ID,
			NodeID:      node.ID(),
			AgentID:     node.Def.AgentID,
			ActionType:  actionTypeOf(node),
			Risk:        risk,
			Reasons:     reasons,
			Status:      store.ApprovalAutoApproved,
			Reviewer:    "system",
			ExpiresAt:   now,
			ResolvedAt:  &now,
			CreatedAt:   now,
		}
		if err := g.store.CreatePendingAction(ctx, pa); err != nil {
			return Proceed, nil, schema.NewError(schema.ErrCodeStore, "record auto-approval").WithCause(err)
		}
		if err := g.emit(ctx, pa, schema.EventGateAutoApproved); err != nil {
			return Proceed, nil, err
		}
		return Proceed, pa, nil
	}

	pa := &store.PendingAction{
		ID:          uuid.NewString(),
		TenantID:    exec.TenantID,
		ExecutionID: exec.ID,
		NodeID:      node.ID(),
		AgentID:     node.Def.AgentID,
		ActionType:  actionTypeOf(node),
		Risk:        risk,
		Reasons:     reasons,
		Status:      store.ApprovalPending,
		ExpiresAt:   now.Add(policy.TTL()),
		CreatedAt:   now,
	}
	if err := g.store.CreatePendingAction(ctx, pa); err != nil {
		return Suspend, nil, schema.NewError(schema.ErrCodeStore, "create pending action").WithCause(err)
	}
	if err := g.emit(ctx, pa, schema.EventGateRequested); err != nil {
		return Suspend, nil, err
	}

	g.logger.Info("approval requested",
		"tenant_id", pa.TenantID, "execution_id", pa.ExecutionID,
		"node_id", pa.NodeID, "risk", pa.Risk, "expires_at", pa.ExpiresAt)
	return Suspend, pa, nil
}

// Resolve records a human decision on a pending action and emits the
// matching audit event. Approve resumes nothing by itself; the coordinator
// owns resumption.
func (g *Gate) Resolve(ctx context.Context, tenantID, actionID string, approve bool, reviewer string) (*store.PendingAction, error) {
	status := store.ApprovalRejected
	event := schema.EventGateRejected
	if approve {
		status = store.ApprovalApproved
		event = schema.EventGateApproved
	}

	if err := g.store.ResolvePendingAction(ctx, tenantID, actionID, status, reviewer); err != nil {
		return nil, err
	}
	pa, err := g.store.GetPendingAction(ctx, tenantID, actionID)
	if err != nil {
		return nil, err
	}
	if err := g.emit(ctx, pa, event); err != nil {
		return nil, err
	}
	return pa, nil
}

// ExpireSweep transitions every past-due pending action to expired and
// emits gate.expired per action. Expiry schedules like a rejection but is
// audited distinctly.
func (g *Gate) ExpireSweep(ctx context.Context, now time.Time) ([]*store.PendingAction, error) {
	expired, err := g.store.ExpireDuePendingActions(ctx, now)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "expire pending actions").WithCause(err)
	}
	for _, pa := range expired {
		if err := g.emit(ctx, pa, schema.EventGateExpired); err != nil {
			return expired, err
		}
		g.logger.Info("approval expired",
			"tenant_id", pa.TenantID, "execution_id", pa.ExecutionID, "node_id", pa.NodeID)
	}
	return expired, nil
}

func (g *Gate) emit(ctx context.Context, pa *store.PendingAction, eventType string) error {
	payload, err := json.Marshal(map[string]any{
		"action_id": pa.ID,
		"risk":      pa.Risk,
		"reasons":   pa.Reasons,
		"reviewer":  pa.Reviewer,
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "marshal gate event payload").WithCause(err)
	}
	event := &store.Event{
		TenantID:    pa.TenantID,
		ExecutionID: pa.ExecutionID,
		NodeID:      pa.NodeID,
		Type:        eventType,
		Payload:     payload,
	}
	if err := g.store.AppendEvent(ctx, event); err != nil {
		return schema.NewError(schema.ErrCodeStore, "emit gate event").WithCause(err)
	}
	return nil
}

func actionTypeOf(node *graph.Node) string {
	if name := actionNameOf(node); name != "" {
		return name
	}
	return string(node.Type())
}
