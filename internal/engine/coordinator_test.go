package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridflow/gridflow/internal/actions"
	"github.com/gridflow/gridflow/internal/expressions"
	"github.com/gridflow/gridflow/internal/gate"
	"github.com/gridflow/gridflow/internal/graph"
	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/pkg/schema"
)

func newTestCoordinator(t *testing.T, policy schema.AutonomyPolicy, acts ...actions.Action) (*Coordinator, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	registry := actions.NewRegistry()
	for _, a := range acts {
		require.NoError(t, registry.Register(a))
	}
	providers := actions.NewProviderSet()
	require.NoError(t, providers.Register(actions.EchoProvider{}))

	executor := NewExecutor(cel, expressions.NewExprEngine(), expressions.NewJQEngine(),
		registry, providers, actions.NewHTTPCaller(actions.HTTPConfig{}), discardLogger())
	sched := NewScheduler(cel, discardLogger())
	coord := NewCoordinator(st, sched, executor, gate.New(st, discardLogger()), policy, discardLogger())
	return coord, st
}

func publishGraph(t *testing.T, st store.Store, def *schema.GraphDefinition) *schema.GraphDefinition {
	t.Helper()
	published, err := graph.Publish(def)
	require.NoError(t, err)
	require.NoError(t, st.CreateGraph(context.Background(), published))
	return published
}

func scoreGraph() *schema.GraphDefinition {
	return &schema.GraphDefinition{
		ID:       "g-score",
		TenantID: "acme",
		Name:     "score routing",
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeTrigger},
			{ID: "check", Type: schema.NodeTypeCondition, Config: rawJSON(`{"expression": "input.score > 50"}`)},
			{ID: "high", Type: schema.NodeTypeTransform, Config: rawJSON(`{"expression": "{band: \"high\"}"}`)},
			{ID: "low", Type: schema.NodeTypeTransform, Config: rawJSON(`{"expression": "{band: \"low\"}"}`)},
		},
		Edges: []schema.EdgeDefinition{
			{ID: "e1", Source: "start", Target: "check"},
			{ID: "e2", Source: "check", Target: "high", SourceHandle: schema.HandleTrue},
			{ID: "e3", Source: "check", Target: "low", SourceHandle: schema.HandleFalse},
		},
	}
}

func gatedGraph() *schema.GraphDefinition {
	return &schema.GraphDefinition{
		ID:       "g-gated",
		TenantID: "acme",
		Name:     "gated sync",
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeTrigger},
			{ID: "sync", Type: schema.NodeTypeIntegration, AgentID: "agent-1",
				Config: rawJSON(`{"capability": "crm.update"}`)},
			{ID: "after", Type: schema.NodeTypeTransform, Config: rawJSON(`{"expression": "{synced: true}"}`)},
		},
		Edges: []schema.EdgeDefinition{
			{ID: "e1", Source: "start", Target: "sync"},
			{ID: "e2", Source: "sync", Target: "after"},
		},
	}
}

func stepByNode(steps []*store.ExecutionStep, nodeID string) *store.ExecutionStep {
	for _, s := range steps {
		if s.NodeID == nodeID {
			return s
		}
	}
	return nil
}

func manual() schema.TriggerDescriptor {
	return schema.TriggerDescriptor{Type: schema.TriggerManual}
}

func TestStartRoutesConditionBothWays(t *testing.T) {
	coord, st := newTestCoordinator(t, schema.DefaultAutonomyPolicy())
	publishGraph(t, st, scoreGraph())
	ctx := context.Background()

	exec, err := coord.Start(ctx, "acme", "g-score", map[string]any{"score": 90}, manual())
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 3, exec.TotalSteps)
	assert.Equal(t, 3, exec.SucceededSteps)

	steps, err := st.ListSteps(ctx, "acme", exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.NotNil(t, stepByNode(steps, "high"))
	assert.Nil(t, stepByNode(steps, "low"), "false branch must not dispatch")

	var output map[string]any
	require.NoError(t, json.Unmarshal(exec.Output, &output))
	assert.Contains(t, output, "high")
	assert.NotContains(t, output, "low")

	exec, err = coord.Start(ctx, "acme", "g-score", map[string]any{"score": 10}, manual())
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	steps, err = st.ListSteps(ctx, "acme", exec.ID)
	require.NoError(t, err)
	assert.NotNil(t, stepByNode(steps, "low"))
	assert.Nil(t, stepByNode(steps, "high"))
}

func TestStartRequiresPublishedGraph(t *testing.T) {
	coord, st := newTestCoordinator(t, schema.DefaultAutonomyPolicy())
	draft := scoreGraph()
	draft.Status = schema.GraphStatusDraft
	draft.Version = 1
	require.NoError(t, st.CreateGraph(context.Background(), draft))

	_, err := coord.Start(context.Background(), "acme", "g-score", nil, manual())
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)
}

func TestStartUnknownGraph(t *testing.T) {
	coord, _ := newTestCoordinator(t, schema.DefaultAutonomyPolicy())
	_, err := coord.Start(context.Background(), "acme", "nope", nil, manual())
	assert.Error(t, err)
}

func TestFanOutAndMergeDispatchOrdinals(t *testing.T) {
	coord, st := newTestCoordinator(t, schema.DefaultAutonomyPolicy())
	publishGraph(t, st, mergeGraph())
	ctx := context.Background()

	exec, err := coord.Start(ctx, "acme", "g-merge", nil, manual())
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	steps, err := st.ListSteps(ctx, "acme", exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 5, "start, both branches, one merge, one tail")

	joins := 0
	seen := make(map[int]bool)
	for _, s := range steps {
		assert.False(t, seen[s.Ordinal], "ordinal %d assigned twice", s.Ordinal)
		seen[s.Ordinal] = true
		assert.Less(t, s.Ordinal, len(steps), "ordinals must be gap-free")
		if s.NodeID == "join" {
			joins++
		}
	}
	assert.Equal(t, 1, joins, "merge dispatches once per completed join")
}

func TestBranchRejoinRunsMergeOnTakenArm(t *testing.T) {
	coord, st := newTestCoordinator(t, schema.DefaultAutonomyPolicy())
	publishGraph(t, st, branchMergeGraph())
	ctx := context.Background()

	exec, err := coord.Start(ctx, "acme", "g-branch-merge", map[string]any{"score": 10}, manual())
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status,
		"the arm the branch did not take must not stall the join")

	steps, err := st.ListSteps(ctx, "acme", exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 5)
	assert.Nil(t, stepByNode(steps, "hot"))
	for _, id := range []string{"start", "route", "cold", "join", "wrap"} {
		assert.NotNil(t, stepByNode(steps, id), id)
	}

	exec, err = coord.Start(ctx, "acme", "g-branch-merge", map[string]any{"score": 90}, manual())
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	steps, err = st.ListSteps(ctx, "acme", exec.ID)
	require.NoError(t, err)
	assert.Nil(t, stepByNode(steps, "cold"))
	assert.NotNil(t, stepByNode(steps, "join"), "the taken arm alone completes the join")
}

func TestLoopDispatchesBodyPerIteration(t *testing.T) {
	coord, st := newTestCoordinator(t, schema.DefaultAutonomyPolicy())
	publishGraph(t, st, loopGraph(2))
	ctx := context.Background()

	exec, err := coord.Start(ctx, "acme", "g-loop", nil, manual())
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	steps, err := st.ListSteps(ctx, "acme", exec.ID)
	require.NoError(t, err)

	byNode := make(map[string]int)
	for _, s := range steps {
		byNode[s.NodeID]++
	}
	assert.Equal(t, 2, byNode["work"], "body runs once per iteration")
	assert.Equal(t, 3, byNode["repeat"], "loop node re-evaluates after each iteration")
	assert.Equal(t, 1, byNode["done"])

	var runCtx map[string]any
	require.NoError(t, json.Unmarshal(exec.Context, &runCtx))
	loops, _ := runCtx[expressions.ScopeLoop].(map[string]any)
	repeat, _ := loops["repeat"].(map[string]any)
	assert.EqualValues(t, 2, repeat["iteration"])
}

func TestUnrecoveredFailureFailsExecution(t *testing.T) {
	coord, st := newTestCoordinator(t, schema.DefaultAutonomyPolicy())
	def := scoreGraph()
	def.Nodes = append(def.Nodes, schema.NodeDefinition{
		ID: "push", Type: schema.NodeTypeAction, Config: rawJSON(`{"action": "no.such.action"}`),
	})
	def.Edges = append(def.Edges, schema.EdgeDefinition{ID: "e5", Source: "high", Target: "push"})
	publishGraph(t, st, def)
	ctx := context.Background()

	exec, err := coord.Start(ctx, "acme", "g-score", map[string]any{"score": 90}, manual())
	require.NoError(t, err, "node failure is an execution outcome, not an API error")
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, 1, exec.FailedSteps)
	require.NotEmpty(t, exec.Error)

	var ferr schema.FlowError
	require.NoError(t, json.Unmarshal(exec.Error, &ferr))
	assert.Equal(t, "push", ferr.NodeID)
}

func TestErrorEdgeRecoversFailure(t *testing.T) {
	failing := &scriptedAction{
		name:  "crm.fetch",
		fails: 10,
		err:   schema.NewError(schema.ErrCodePermanentNode, "record locked"),
	}
	coord, st := newTestCoordinator(t, schema.DefaultAutonomyPolicy(), failing)
	publishGraph(t, st, errorEdgeGraph())
	ctx := context.Background()

	exec, err := coord.Start(ctx, "acme", "g-err", nil, manual())
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status, "error edge absorbs the failure")
	assert.Equal(t, 1, exec.FailedSteps)

	steps, err := st.ListSteps(ctx, "acme", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusError, stepByNode(steps, "fetch").Status)
	assert.NotNil(t, stepByNode(steps, "fallback"))
	assert.Nil(t, stepByNode(steps, "next"), "success path must not run after a failure")
}

func TestSupervisedPolicyParksAndApprovalResumes(t *testing.T) {
	action := &scriptedAction{name: "crm.update"}
	coord, st := newTestCoordinator(t, schema.AutonomyPolicy{Level: schema.AutonomySupervised}, action)
	publishGraph(t, st, gatedGraph())
	ctx := context.Background()

	exec, err := coord.Start(ctx, "acme", "g-gated", nil, manual())
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, exec.Status, "parked run stays running")

	steps, err := st.ListSteps(ctx, "acme", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusWaiting, stepByNode(steps, "sync").Status)

	pending, err := st.ListPendingActions(ctx, "acme", store.PendingActionFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, store.ApprovalPending, pending[0].Status)
	assert.Equal(t, "sync", pending[0].NodeID)
	assert.Equal(t, schema.RiskHigh, pending[0].Risk)

	resumed, err := coord.ResolveApproval(ctx, "acme", pending[0].ID, true, "reviewer@acme")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, resumed.Status)

	steps, err = st.ListSteps(ctx, "acme", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusSuccess, stepByNode(steps, "sync").Status)
	assert.NotNil(t, stepByNode(steps, "after"), "approval resumes downstream dispatch")
	assert.Equal(t, 1, action.calls)
}

func TestGateRejectionFailsRun(t *testing.T) {
	action := &scriptedAction{name: "crm.update"}
	coord, st := newTestCoordinator(t, schema.AutonomyPolicy{Level: schema.AutonomySupervised}, action)
	publishGraph(t, st, gatedGraph())
	ctx := context.Background()

	exec, err := coord.Start(ctx, "acme", "g-gated", nil, manual())
	require.NoError(t, err)

	pending, err := st.ListPendingActions(ctx, "acme", store.PendingActionFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	settled, err := coord.ResolveApproval(ctx, "acme", pending[0].ID, false, "reviewer@acme")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, settled.Status)
	assert.Equal(t, 0, action.calls, "rejected node must never execute")

	var ferr schema.FlowError
	require.NoError(t, json.Unmarshal(settled.Error, &ferr))
	assert.Equal(t, schema.ErrCodeGateRejected, ferr.Code)
}

func TestAutonomousPolicyAutoApproves(t *testing.T) {
	action := &scriptedAction{name: "crm.update"}
	coord, st := newTestCoordinator(t, schema.AutonomyPolicy{Level: schema.AutonomyAutonomous}, action)
	publishGraph(t, st, gatedGraph())
	ctx := context.Background()

	exec, err := coord.Start(ctx, "acme", "g-gated", nil, manual())
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 1, action.calls)

	pending, err := st.ListPendingActions(ctx, "acme", store.PendingActionFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	require.Len(t, pending, 1, "auto-approval still leaves an audit row")
	assert.Equal(t, store.ApprovalAutoApproved, pending[0].Status)
	assert.Equal(t, "system", pending[0].Reviewer)
}

func forkGatedGraph() *schema.GraphDefinition {
	return &schema.GraphDefinition{
		ID:       "g-fork-gated",
		TenantID: "acme",
		Name:     "gated fork",
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeTrigger},
			{ID: "sync", Type: schema.NodeTypeIntegration, AgentID: "agent-1",
				Config: rawJSON(`{"capability": "crm.update"}`)},
			{ID: "score", Type: schema.NodeTypeTransform, Config: rawJSON(`{"expression": "{score: 1}"}`)},
			{ID: "notify", Type: schema.NodeTypeTransform, Config: rawJSON(`{"expression": "{notified: true}"}`)},
		},
		Edges: []schema.EdgeDefinition{
			{ID: "e1", Source: "start", Target: "sync", SourceHandle: "a"},
			{ID: "e2", Source: "start", Target: "score", SourceHandle: "b"},
			{ID: "e3", Source: "score", Target: "notify"},
		},
	}
}

// Once a dispatch parks behind the gate, no further node may start anywhere
// in the run; the ready frontier is held until the approval resolves.
func TestParkedRunHoldsSiblingBranches(t *testing.T) {
	action := &scriptedAction{name: "crm.update"}
	coord, st := newTestCoordinator(t, schema.AutonomyPolicy{Level: schema.AutonomySupervised}, action)
	publishGraph(t, st, forkGatedGraph())
	ctx := context.Background()

	exec, err := coord.Start(ctx, "acme", "g-fork-gated", nil, manual())
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, exec.Status)

	steps, err := st.ListSteps(ctx, "acme", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusWaiting, stepByNode(steps, "sync").Status)
	assert.NotNil(t, stepByNode(steps, "score"), "the sibling already in flight settles")
	assert.Nil(t, stepByNode(steps, "notify"), "nothing new dispatches while an approval is pending")

	pending, err := st.ListPendingActions(ctx, "acme", store.PendingActionFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	resumed, err := coord.ResolveApproval(ctx, "acme", pending[0].ID, true, "reviewer@acme")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, resumed.Status)

	steps, err = st.ListSteps(ctx, "acme", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusSuccess, stepByNode(steps, "sync").Status)
	assert.NotNil(t, stepByNode(steps, "notify"), "the held frontier resumes after approval")
}

func TestAutonomousThresholdStillGates(t *testing.T) {
	action := &scriptedAction{name: "crm.update"}
	coord, st := newTestCoordinator(t,
		schema.AutonomyPolicy{Level: schema.AutonomyAutonomous, Threshold: schema.RiskHigh}, action)
	publishGraph(t, st, gatedGraph())
	ctx := context.Background()

	exec, err := coord.Start(ctx, "acme", "g-gated", nil, manual())
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, exec.Status,
		"threshold=high gates a high-risk node even at full autonomy")
	assert.Equal(t, 0, action.calls)

	steps, err := st.ListSteps(ctx, "acme", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusWaiting, stepByNode(steps, "sync").Status)

	pending, err := st.ListPendingActions(ctx, "acme", store.PendingActionFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, store.ApprovalPending, pending[0].Status)
}

func TestExpireApprovalsFailsParkedRun(t *testing.T) {
	action := &scriptedAction{name: "crm.update"}
	coord, st := newTestCoordinator(t, schema.AutonomyPolicy{Level: schema.AutonomySupervised}, action)
	publishGraph(t, st, gatedGraph())
	ctx := context.Background()

	exec, err := coord.Start(ctx, "acme", "g-gated", nil, manual())
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, exec.Status)

	require.NoError(t, coord.ExpireApprovals(ctx, time.Now().UTC().Add(48*time.Hour)))

	settled, err := st.GetExecution(ctx, "acme", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, settled.Status)
	assert.Equal(t, 0, action.calls)

	events, err := st.ListEvents(ctx, "acme", exec.ID, 0)
	require.NoError(t, err)
	var sawExpired bool
	for _, e := range events {
		if e.Type == schema.EventGateExpired {
			sawExpired = true
		}
	}
	assert.True(t, sawExpired)
}

func TestCancelParkedRunSkipsWaitingSteps(t *testing.T) {
	action := &scriptedAction{name: "crm.update"}
	coord, st := newTestCoordinator(t, schema.AutonomyPolicy{Level: schema.AutonomySupervised}, action)
	publishGraph(t, st, gatedGraph())
	ctx := context.Background()

	exec, err := coord.Start(ctx, "acme", "g-gated", nil, manual())
	require.NoError(t, err)

	require.NoError(t, coord.Cancel(ctx, "acme", exec.ID))

	cancelled, err := st.GetExecution(ctx, "acme", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, cancelled.Status)

	steps, err := st.ListSteps(ctx, "acme", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusSkipped, stepByNode(steps, "sync").Status)
}

func TestCancelUnknownExecution(t *testing.T) {
	coord, _ := newTestCoordinator(t, schema.DefaultAutonomyPolicy())
	err := coord.Cancel(context.Background(), "acme", "missing")
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeNotFound, flowErr.Code)
}

func TestRetryPinsOriginalGraphVersion(t *testing.T) {
	coord, st := newTestCoordinator(t, schema.DefaultAutonomyPolicy())
	def := scoreGraph()
	def.Nodes = append(def.Nodes, schema.NodeDefinition{
		ID: "push", Type: schema.NodeTypeAction, Config: rawJSON(`{"action": "no.such.action"}`),
	})
	def.Edges = append(def.Edges, schema.EdgeDefinition{ID: "e5", Source: "high", Target: "push"})
	v1 := publishGraph(t, st, def)
	ctx := context.Background()

	failed, err := coord.Start(ctx, "acme", "g-score", map[string]any{"score": 90}, manual())
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusFailed, failed.Status)

	// Publish a newer version; the retry must ignore it.
	v2, err := graph.Publish(v1)
	require.NoError(t, err)
	require.NoError(t, st.SaveGraphVersion(ctx, v2))

	retried, err := coord.Retry(ctx, "acme", failed.ID)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, retried.ID)
	assert.Equal(t, failed.ID, retried.RetryOf)
	assert.Equal(t, v1.Version, retried.GraphVersion)
	assert.Equal(t, schema.ExecutionStatusFailed, retried.Status, "same graph fails the same way")
}

func TestRetryRequiresFailedExecution(t *testing.T) {
	coord, st := newTestCoordinator(t, schema.DefaultAutonomyPolicy())
	publishGraph(t, st, scoreGraph())
	ctx := context.Background()

	exec, err := coord.Start(ctx, "acme", "g-score", map[string]any{"score": 90}, manual())
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	_, err = coord.Retry(ctx, "acme", exec.ID)
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeConflict, flowErr.Code)
}

func TestEventStreamBracketsRun(t *testing.T) {
	coord, st := newTestCoordinator(t, schema.DefaultAutonomyPolicy())
	publishGraph(t, st, scoreGraph())
	ctx := context.Background()

	exec, err := coord.Start(ctx, "acme", "g-score", map[string]any{"score": 90}, manual())
	require.NoError(t, err)

	events, err := st.ListEvents(ctx, "acme", exec.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventExecutionStarted, events[0].Type)
	assert.Equal(t, schema.EventExecutionCompleted, events[len(events)-1].Type)

	var last int64
	for _, e := range events {
		assert.Greater(t, e.Sequence, last, "event sequence must increase monotonically")
		last = e.Sequence
	}
}

func TestMalformedPredicateWarningLandsOnStep(t *testing.T) {
	coord, st := newTestCoordinator(t, schema.DefaultAutonomyPolicy())
	def := branchGraph()
	def.Edges[1].Condition = &schema.Condition{Expression: "this is not CEL ((("}
	publishGraph(t, st, def)
	ctx := context.Background()

	exec, err := coord.Start(ctx, "acme", "g-branch", map[string]any{"score": 90}, manual())
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	steps, err := st.ListSteps(ctx, "acme", exec.ID)
	require.NoError(t, err)
	route := stepByNode(steps, "route")
	require.NotNil(t, route)
	require.NotEmpty(t, route.Logs, "the leniency must be recorded on the routed step")
	assert.Contains(t, route.Logs[len(route.Logs)-1], "treated as false")
	assert.NotNil(t, stepByNode(steps, "warm"), "routing still falls through to the next match")
}

func TestNodeOutputsVisibleDownstream(t *testing.T) {
	coord, st := newTestCoordinator(t, schema.DefaultAutonomyPolicy())
	def := &schema.GraphDefinition{
		ID:       "g-chain",
		TenantID: "acme",
		Name:     "context threading",
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeTrigger},
			{ID: "first", Type: schema.NodeTypeTransform, Config: rawJSON(`{"expression": "{score: .input.score}"}`)},
			{ID: "second", Type: schema.NodeTypeCondition, Config: rawJSON(`{"expression": "nodes.first.result.score > 50"}`)},
			{ID: "hot", Type: schema.NodeTypeTransform, Config: rawJSON(`{"expression": "{hot: true}"}`)},
		},
		Edges: []schema.EdgeDefinition{
			{ID: "e1", Source: "start", Target: "first"},
			{ID: "e2", Source: "first", Target: "second"},
			{ID: "e3", Source: "second", Target: "hot", SourceHandle: schema.HandleTrue},
		},
	}
	publishGraph(t, st, def)
	ctx := context.Background()

	exec, err := coord.Start(ctx, "acme", "g-chain", map[string]any{"score": 77}, manual())
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	steps, err := st.ListSteps(ctx, "acme", exec.ID)
	require.NoError(t, err)
	assert.NotNil(t, stepByNode(steps, "hot"), "downstream condition must see upstream output")
}
