package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gridflow/gridflow/internal/expressions"
	"github.com/gridflow/gridflow/internal/gate"
	"github.com/gridflow/gridflow/internal/graph"
	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/pkg/schema"
)

// Coordinator owns executions end to end: it pins the graph version,
// drives the scheduler/executor loop, is the single writer of the shared
// run context, and persists every transition before proceeding.
type Coordinator struct {
	store     store.Store
	scheduler *Scheduler
	executor  *Executor
	gate      *gate.Gate
	execFSM   *ExecutionFSM
	stepFSM   *StepFSM
	policy    schema.AutonomyPolicy
	logger    *slog.Logger

	mu       sync.Mutex
	runs     map[string]*run
	notifier Notifier
}

// Notifier pushes best-effort out-of-band notices to the agent that owns a
// node, e.g. when its dispatch parks behind the approval gate.
type Notifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// SetNotifier installs an optional notifier. Must be called before the
// first Start.
func (c *Coordinator) SetNotifier(n Notifier) { c.notifier = n }

func (c *Coordinator) notify(ctx context.Context, agentID string, payload map[string]any) {
	if c.notifier == nil || agentID == "" {
		return
	}
	if err := c.notifier.Notify(ctx, agentID, payload); err != nil {
		c.logger.Debug("agent notification failed", "agent_id", agentID, "error", err)
	}
}

// NewCoordinator wires a Coordinator. The autonomy policy passed here is
// captured per execution at start time.
func NewCoordinator(st store.Store, sched *Scheduler, exec *Executor, g *gate.Gate, policy schema.AutonomyPolicy, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:     st,
		scheduler: sched,
		executor:  exec,
		gate:      g,
		execFSM:   NewExecutionFSM(st),
		stepFSM:   NewStepFSM(st),
		policy:    policy,
		logger:    logger,
		runs:      make(map[string]*run),
	}
}

// run is the in-memory state of one active execution. The drive loop is
// the only writer of context, loopCounts, and arrivals; executors receive
// read-only snapshots.
type run struct {
	mu sync.Mutex

	exec    *store.Execution
	graph   *graph.Graph
	policy  schema.AutonomyPolicy
	context map[string]any

	ordinal    int
	counters   store.StepCounters
	loopCounts map[graph.NodeHandle]int
	arrivals   map[graph.NodeHandle]map[graph.NodeHandle]bool

	cancelled bool
	waiting   map[string]parkedStep // pending action ID -> parked dispatch
	frontier  []graph.NodeHandle    // held while any dispatch waits on the gate
}

// parkedStep is a dispatch suspended behind the approval gate.
type parkedStep struct {
	node   graph.NodeHandle
	stepID string
}

func (r *run) nextOrdinal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.ordinal
	r.ordinal++
	return n
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Start creates and drives a new execution of the graph's latest published
// version. It returns when the run reaches a terminal status or parks
// behind the approval gate; a parked run stays `running` with one or more
// `waiting` steps until resolved, expired, or cancelled.
func (c *Coordinator) Start(ctx context.Context, tenantID, graphID string, input map[string]any, trigger schema.TriggerDescriptor) (*store.Execution, error) {
	def, err := c.store.GetGraph(ctx, tenantID, graphID)
	if err != nil {
		return nil, err
	}
	if def.Status != schema.GraphStatusPublished {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "graph %s is %s, only published graphs run", graphID, def.Status)
	}
	g, err := graph.Compile(def)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exec := &store.Execution{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		GraphID:      graphID,
		GraphVersion: def.Version,
		Status:       schema.ExecutionStatusPending,
		Trigger:      trigger,
		Input:        input,
		CreatedAt:    now,
	}
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create execution").WithCause(err)
	}

	return c.launch(ctx, exec, g, input, trigger)
}

// Retry spawns a fresh execution of a failed run on the same pinned graph
// version, linked back to its predecessor. The failed execution itself is
// immutable history.
func (c *Coordinator) Retry(ctx context.Context, tenantID, executionID string) (*store.Execution, error) {
	prev, err := c.store.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	if prev.Status != schema.ExecutionStatusFailed {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is %s, only failed executions retry", executionID, prev.Status)
	}

	def, err := c.store.GetGraphVersion(ctx, tenantID, prev.GraphID, prev.GraphVersion)
	if err != nil {
		return nil, err
	}
	g, err := graph.Compile(def)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exec := &store.Execution{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		GraphID:      prev.GraphID,
		GraphVersion: prev.GraphVersion,
		Status:       schema.ExecutionStatusPending,
		Trigger:      prev.Trigger,
		Input:        prev.Input,
		RetryOf:      prev.ID,
		CreatedAt:    now,
	}
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create retry execution").WithCause(err)
	}

	return c.launch(ctx, exec, g, prev.Input, prev.Trigger)
}

func (c *Coordinator) launch(ctx context.Context, exec *store.Execution, g *graph.Graph, input map[string]any, trigger schema.TriggerDescriptor) (*store.Execution, error) {
	if err := c.execFSM.Transition(ctx, exec.TenantID, exec.ID, schema.ExecutionStatusPending, schema.ExecutionStatusRunning); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	running := schema.ExecutionStatusRunning
	if err := c.store.UpdateExecution(ctx, exec.TenantID, exec.ID, store.ExecutionUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "mark execution running").WithCause(err)
	}
	exec.Status = running
	exec.StartedAt = &now

	r := &run{
		exec:   exec,
		graph:  g,
		policy: c.policy,
		context: map[string]any{
			expressions.ScopeInput: orEmpty(input),
			expressions.ScopeTrigger: map[string]any{
				"type":    string(trigger.Type),
				"source":  trigger.Source,
				"payload": orEmpty(trigger.Payload),
			},
			expressions.ScopeExecution: map[string]any{
				"id":        exec.ID,
				"graph_id":  exec.GraphID,
				"tenant_id": exec.TenantID,
			},
			expressions.ScopeNodes: map[string]any{},
			expressions.ScopeLoop:  map[string]any{},
		},
		loopCounts: make(map[graph.NodeHandle]int),
		arrivals:   make(map[graph.NodeHandle]map[graph.NodeHandle]bool),
		waiting:    make(map[string]parkedStep),
	}

	c.mu.Lock()
	c.runs[exec.ID] = r
	c.mu.Unlock()

	if err := c.drive(ctx, r, []graph.NodeHandle{g.Trigger()}); err != nil {
		return nil, err
	}
	return c.store.GetExecution(ctx, exec.TenantID, exec.ID)
}

// Cancel requests cooperative cancellation. The flag is checked between
// dispatch batches, so one in-flight batch may still record its steps; a
// parked run is finalized immediately with its waiting steps skipped.
func (c *Coordinator) Cancel(ctx context.Context, tenantID, executionID string) error {
	c.mu.Lock()
	r, ok := c.runs[executionID]
	c.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s is not active", executionID)
	}
	if r.exec.TenantID != tenantID {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s is not active", executionID)
	}

	r.mu.Lock()
	r.cancelled = true
	parked := len(r.waiting) > 0
	r.mu.Unlock()

	if parked {
		return c.finalizeCancelled(ctx, r)
	}
	return nil
}

// ResolveApproval applies a human decision to a pending action. Approval
// resumes the parked node and drives the run onward; rejection fails the
// node with GATE_REJECTED and follows its error edges if any.
func (c *Coordinator) ResolveApproval(ctx context.Context, tenantID, actionID string, approve bool, reviewer string) (*store.Execution, error) {
	pa, err := c.gate.Resolve(ctx, tenantID, actionID, approve, reviewer)
	if err != nil {
		return nil, err
	}
	return c.settleGateOutcome(ctx, pa, approve)
}

// ExpireApprovals sweeps past-due pending actions; each expired action
// schedules like a rejection but is audited as gate.expired.
func (c *Coordinator) ExpireApprovals(ctx context.Context, now time.Time) error {
	expired, err := c.gate.ExpireSweep(ctx, now)
	if err != nil {
		return err
	}
	for _, pa := range expired {
		if _, err := c.settleGateOutcome(ctx, pa, false); err != nil {
			c.logger.Error("settle expired approval",
				"execution_id", pa.ExecutionID, "action_id", pa.ID, "error", err)
		}
	}
	return nil
}

func (c *Coordinator) settleGateOutcome(ctx context.Context, pa *store.PendingAction, approve bool) (*store.Execution, error) {
	c.mu.Lock()
	r, ok := c.runs[pa.ExecutionID]
	c.mu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"execution %s is not active; resolution recorded but not resumable", pa.ExecutionID)
	}

	r.mu.Lock()
	parked, ok := r.waiting[pa.ID]
	delete(r.waiting, pa.ID)
	cancelled := r.cancelled
	r.mu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pending action %s has no parked step", pa.ID)
	}
	if cancelled {
		return c.store.GetExecution(ctx, pa.TenantID, pa.ExecutionID)
	}

	node := r.graph.Node(parked.node)

	if !approve {
		outcome := StepOutcome{
			Status: schema.StepStatusError,
			Err: schema.NewErrorf(schema.ErrCodeGateRejected,
				"approval %s for node %s", pa.Status, node.ID()).WithNode(node.ID()),
			Attempts: 0,
		}
		if err := c.settleStep(ctx, r, parked.stepID, node, schema.StepStatusWaiting, outcome); err != nil {
			return nil, err
		}
		if err := c.continueFrom(ctx, r, parked.node, parked.stepID, outcome); err != nil {
			return nil, err
		}
		return c.store.GetExecution(ctx, pa.TenantID, pa.ExecutionID)
	}

	// Approved: resume the parked step through the normal execute path.
	if err := c.stepFSM.Transition(ctx, r.exec.TenantID, r.exec.ID, node.ID(),
		schema.StepStatusWaiting, schema.StepStatusRunning); err != nil {
		return nil, err
	}
	runningStatus := schema.StepStatusRunning
	if err := c.store.UpdateStep(ctx, r.exec.TenantID, parked.stepID, store.StepUpdate{Status: &runningStatus}); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "mark step running").WithCause(err)
	}

	outcome := c.executor.Execute(ctx, r.exec.TenantID, node, c.snapshot(r))
	if err := c.emitRetries(ctx, r, node.ID(), outcome.Attempts); err != nil {
		return nil, err
	}
	if err := c.settleStep(ctx, r, parked.stepID, node, schema.StepStatusRunning, outcome); err != nil {
		return nil, err
	}
	if err := c.continueFrom(ctx, r, parked.node, parked.stepID, outcome); err != nil {
		return nil, err
	}
	return c.store.GetExecution(ctx, pa.TenantID, pa.ExecutionID)
}

// continueFrom merges a settled node's outcome and drives the run from its
// successors, releasing any frontier held while the gate was pending.
func (c *Coordinator) continueFrom(ctx context.Context, r *run, node graph.NodeHandle, stepID string, outcome StepOutcome) error {
	nodeID := r.graph.Node(node).ID()
	c.mergeOutput(r, nodeID, outcome.Output)

	sel, err := c.scheduler.Next(ctx, r.graph, node, outcome, c.runContext(r))
	if err != nil {
		return c.finalizeFailed(ctx, r, asFlowError(err, nodeID))
	}
	if len(sel.Warnings) > 0 {
		if err := c.appendStepLogs(ctx, r, stepID, outcome.Logs, sel.Warnings); err != nil {
			return c.finalizeFailed(ctx, r, asFlowError(err, nodeID))
		}
	}
	if sel.Unrecovered {
		return c.finalizeFailed(ctx, r, outcome.Err)
	}
	c.commitSelection(r, node, sel)

	r.mu.Lock()
	targets := r.frontier
	r.frontier = nil
	r.mu.Unlock()
	for _, t := range sel.Targets {
		targets = appendUnique(targets, t)
	}
	return c.drive(ctx, r, targets)
}

// dispatch pairs a node with its pre-assigned ordinal.
type dispatch struct {
	node    graph.NodeHandle
	ordinal int
}

// dispatchResult is the settled outcome of one dispatched node.
type dispatchResult struct {
	node      graph.NodeHandle
	stepID    string
	outcome   StepOutcome
	suspended bool
	fatal     error
}

// drive runs dispatch batches until the frontier empties, the run fails,
// or cancellation is observed. Parallel targets execute concurrently; all
// state commits happen here, after each batch, on a single goroutine.
func (c *Coordinator) drive(ctx context.Context, r *run, frontier []graph.NodeHandle) error {
	for len(frontier) > 0 {
		if r.isCancelled() {
			return c.finalizeCancelled(ctx, r)
		}
		if c.holdIfParked(r, frontier) {
			// A dispatch is waiting on the gate; nothing else may start
			// until the approval resolves. The run stays running and gate
			// resolution releases the held frontier.
			return nil
		}

		batch := make([]dispatch, len(frontier))
		for i, node := range frontier {
			batch[i] = dispatch{node: node, ordinal: r.nextOrdinal()}
		}

		snapshot := c.snapshot(r)
		results := make([]dispatchResult, len(batch))
		eg, egCtx := errgroup.WithContext(ctx)
		for i, d := range batch {
			i, d := i, d
			eg.Go(func() error {
				results[i] = c.dispatchNode(egCtx, r, d, snapshot)
				return results[i].fatal
			})
		}
		if err := eg.Wait(); err != nil {
			// A store failure mid-run leaves an unrecordable hole; fail fast.
			return c.finalizeFailed(ctx, r, asFlowError(err, ""))
		}

		var next []graph.NodeHandle
		for _, res := range results {
			if res.suspended {
				continue
			}
			node := r.graph.Node(res.node)
			c.mergeOutput(r, node.ID(), res.outcome.Output)

			sel, err := c.scheduler.Next(ctx, r.graph, res.node, res.outcome, c.runContext(r))
			if err != nil {
				return c.finalizeFailed(ctx, r, asFlowError(err, node.ID()))
			}
			if len(sel.Warnings) > 0 {
				if err := c.appendStepLogs(ctx, r, res.stepID, res.outcome.Logs, sel.Warnings); err != nil {
					return c.finalizeFailed(ctx, r, asFlowError(err, node.ID()))
				}
			}
			if sel.Unrecovered {
				return c.finalizeFailed(ctx, r, res.outcome.Err)
			}
			c.commitSelection(r, res.node, sel)
			for _, t := range sel.Targets {
				next = appendUnique(next, t)
			}
		}

		if err := c.persistProgress(ctx, r); err != nil {
			return c.finalizeFailed(ctx, r, asFlowError(err, ""))
		}
		frontier = next
	}

	r.mu.Lock()
	parked := len(r.waiting) > 0
	cancelled := r.cancelled
	r.mu.Unlock()

	if cancelled {
		return c.finalizeCancelled(ctx, r)
	}
	if parked {
		// The run stays running; gate resolution drives it onward.
		return nil
	}
	return c.finalizeCompleted(ctx, r)
}

// holdIfParked saves the frontier on the run when any dispatch is parked
// behind the approval gate, so no new node starts while an approval is
// pending.
func (c *Coordinator) holdIfParked(r *run, frontier []graph.NodeHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.waiting) == 0 {
		return false
	}
	for _, h := range frontier {
		r.frontier = appendUnique(r.frontier, h)
	}
	return true
}

// appendStepLogs re-persists a settled step's logs with routing warnings
// appended, so malformed-predicate notes land on the step being routed.
func (c *Coordinator) appendStepLogs(ctx context.Context, r *run, stepID string, logs, warnings []string) error {
	merged := make([]string, 0, len(logs)+len(warnings))
	merged = append(merged, logs...)
	merged = append(merged, warnings...)
	if err := c.store.UpdateStep(ctx, r.exec.TenantID, stepID, store.StepUpdate{Logs: merged}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "append step logs").WithCause(err)
	}
	return nil
}

// dispatchNode persists and executes a single node dispatch. Only store
// failures surface through the fatal field; node failures are ordinary
// outcomes the scheduler routes.
func (c *Coordinator) dispatchNode(ctx context.Context, r *run, d dispatch, snapshot map[string]any) dispatchResult {
	node := r.graph.Node(d.node)
	now := time.Now().UTC()

	step := &store.ExecutionStep{
		ID:          uuid.NewString(),
		TenantID:    r.exec.TenantID,
		ExecutionID: r.exec.ID,
		NodeID:      node.ID(),
		Ordinal:     d.ordinal,
		Status:      schema.StepStatusPending,
		Input:       node.Def.Config,
		StartedAt:   now,
	}
	if err := c.store.AppendStep(ctx, step); err != nil {
		return dispatchResult{node: d.node, fatal: schema.NewError(schema.ErrCodeStore, "append step").WithCause(err)}
	}

	decision, pa, err := c.gate.Clear(ctx, r.exec, r.graph, node, r.policy)
	if err != nil {
		return dispatchResult{node: d.node, fatal: err}
	}
	if decision == gate.Suspend {
		if err := c.stepFSM.Transition(ctx, r.exec.TenantID, r.exec.ID, node.ID(),
			schema.StepStatusPending, schema.StepStatusWaiting); err != nil {
			return dispatchResult{node: d.node, fatal: err}
		}
		waiting := schema.StepStatusWaiting
		if err := c.store.UpdateStep(ctx, r.exec.TenantID, step.ID, store.StepUpdate{Status: &waiting}); err != nil {
			return dispatchResult{node: d.node, fatal: schema.NewError(schema.ErrCodeStore, "mark step waiting").WithCause(err)}
		}
		r.mu.Lock()
		r.waiting[pa.ID] = parkedStep{node: d.node, stepID: step.ID}
		r.mu.Unlock()
		c.notify(ctx, node.Def.AgentID, map[string]any{
			"kind":         "approval_requested",
			"execution_id": r.exec.ID,
			"node_id":      node.ID(),
			"action_id":    pa.ID,
			"risk":         pa.Risk,
			"expires_at":   pa.ExpiresAt,
		})
		return dispatchResult{node: d.node, stepID: step.ID, suspended: true}
	}

	if err := c.stepFSM.Transition(ctx, r.exec.TenantID, r.exec.ID, node.ID(),
		schema.StepStatusPending, schema.StepStatusRunning); err != nil {
		return dispatchResult{node: d.node, fatal: err}
	}
	running := schema.StepStatusRunning
	if err := c.store.UpdateStep(ctx, r.exec.TenantID, step.ID, store.StepUpdate{Status: &running}); err != nil {
		return dispatchResult{node: d.node, fatal: schema.NewError(schema.ErrCodeStore, "mark step running").WithCause(err)}
	}

	outcome := c.executor.Execute(ctx, r.exec.TenantID, node, snapshot)
	if err := c.emitRetries(ctx, r, node.ID(), outcome.Attempts); err != nil {
		return dispatchResult{node: d.node, fatal: err}
	}
	if err := c.settleStep(ctx, r, step.ID, node, schema.StepStatusRunning, outcome); err != nil {
		return dispatchResult{node: d.node, fatal: err}
	}

	return dispatchResult{node: d.node, stepID: step.ID, outcome: outcome}
}

// settleStep persists a step's terminal outcome and updates run counters.
func (c *Coordinator) settleStep(ctx context.Context, r *run, stepID string, node *graph.Node, from schema.StepStatus, outcome StepOutcome) error {
	if err := c.stepFSM.Transition(ctx, r.exec.TenantID, r.exec.ID, node.ID(), from, outcome.Status); err != nil {
		return err
	}

	now := time.Now().UTC()
	update := store.StepUpdate{
		Status:      &outcome.Status,
		Attempts:    &outcome.Attempts,
		CompletedAt: &now,
		DurationMs:  &outcome.DurationMs,
	}
	if len(outcome.Logs) > 0 {
		update.Logs = outcome.Logs
	}
	if outcome.Output != nil {
		raw, err := json.Marshal(outcome.Output)
		if err != nil {
			return schema.NewError(schema.ErrCodeExecution, "marshal step output").WithCause(err)
		}
		update.Output = raw
	}
	if outcome.Err != nil {
		raw, err := json.Marshal(outcome.Err)
		if err != nil {
			return schema.NewError(schema.ErrCodeExecution, "marshal step error").WithCause(err)
		}
		update.Error = raw
	}
	if err := c.store.UpdateStep(ctx, r.exec.TenantID, stepID, update); err != nil {
		return schema.NewError(schema.ErrCodeStore, "settle step").WithCause(err)
	}

	r.mu.Lock()
	r.counters.Total++
	switch outcome.Status {
	case schema.StepStatusSuccess:
		r.counters.Succeeded++
	case schema.StepStatusError:
		r.counters.Failed++
	case schema.StepStatusSkipped:
		r.counters.Skipped++
	}
	r.mu.Unlock()
	return nil
}

func (c *Coordinator) emitRetries(ctx context.Context, r *run, nodeID string, attempts int) error {
	for i := 1; i < attempts; i++ {
		event := &store.Event{
			TenantID:    r.exec.TenantID,
			ExecutionID: r.exec.ID,
			NodeID:      nodeID,
			Type:        schema.EventStepRetried,
		}
		if err := c.store.AppendEvent(ctx, event); err != nil {
			return schema.NewError(schema.ErrCodeStore, "emit retry event").WithCause(err)
		}
	}
	return nil
}

// mergeOutput is the single-writer merge of a node's output into the
// shared context under nodes.<nodeID>.
func (c *Coordinator) mergeOutput(r *run, nodeID string, output map[string]any) {
	if output == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes := r.context[expressions.ScopeNodes].(map[string]any)
	nodes[nodeID] = output
}

// commitSelection applies the scheduler's deferred state commits: loop
// counter advances and merge-join arrivals.
func (c *Coordinator) commitSelection(r *run, completed graph.NodeHandle, sel Selection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sel.LoopEntered {
		r.loopCounts[completed]++
		loops := r.context[expressions.ScopeLoop].(map[string]any)
		loops[r.graph.Node(completed).ID()] = map[string]any{
			"iteration": r.loopCounts[completed],
		}
	}
	for _, a := range sel.Arrivals {
		set, ok := r.arrivals[a.Merge]
		if !ok {
			set = make(map[graph.NodeHandle]bool)
			r.arrivals[a.Merge] = set
		}
		set[a.From] = true
	}
	// A dispatched merge consumes its buffered arrivals.
	for _, t := range sel.Targets {
		if r.graph.Node(t).Type() == schema.NodeTypeMerge {
			delete(r.arrivals, t)
		}
	}
}

// snapshot deep-copies the shared context for read-only use by executors
// running concurrently with later merges.
func (c *Coordinator) snapshot(r *run) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, err := json.Marshal(r.context)
	if err != nil {
		return map[string]any{}
	}
	var copied map[string]any
	if err := json.Unmarshal(raw, &copied); err != nil {
		return map[string]any{}
	}
	return copied
}

func (c *Coordinator) runContext(r *run) *RunContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &RunContext{
		Snapshot:   r.context,
		LoopCounts: r.loopCounts,
		Arrivals:   r.arrivals,
	}
}

// persistProgress writes the shared context and counters after each batch.
func (c *Coordinator) persistProgress(ctx context.Context, r *run) error {
	r.mu.Lock()
	raw, err := json.Marshal(r.context)
	counters := r.counters
	r.mu.Unlock()
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "marshal run context").WithCause(err)
	}
	if err := c.store.UpdateExecution(ctx, r.exec.TenantID, r.exec.ID, store.ExecutionUpdate{
		Context:  raw,
		Counters: &counters,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "persist run context").WithCause(err)
	}
	return nil
}

// --- Terminal transitions ---

func (c *Coordinator) finalizeCompleted(ctx context.Context, r *run) error {
	if err := c.execFSM.Transition(ctx, r.exec.TenantID, r.exec.ID,
		schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted); err != nil {
		return err
	}

	r.mu.Lock()
	output, _ := json.Marshal(r.context[expressions.ScopeNodes])
	counters := r.counters
	r.mu.Unlock()

	now := time.Now().UTC()
	completed := schema.ExecutionStatusCompleted
	if err := c.store.UpdateExecution(ctx, r.exec.TenantID, r.exec.ID, store.ExecutionUpdate{
		Status:      &completed,
		Output:      output,
		CompletedAt: &now,
		Counters:    &counters,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "finalize completed").WithCause(err)
	}
	c.unregister(r)
	c.logger.Info("execution completed",
		"tenant_id", r.exec.TenantID, "execution_id", r.exec.ID,
		"steps", counters.Total)
	return nil
}

func (c *Coordinator) finalizeFailed(ctx context.Context, r *run, ferr *schema.FlowError) error {
	if ferr == nil {
		ferr = schema.NewError(schema.ErrCodeExecution, "execution failed")
	}
	if err := c.execFSM.Transition(ctx, r.exec.TenantID, r.exec.ID,
		schema.ExecutionStatusRunning, schema.ExecutionStatusFailed); err != nil {
		return err
	}

	r.mu.Lock()
	counters := r.counters
	r.mu.Unlock()

	errRaw, _ := json.Marshal(ferr)
	now := time.Now().UTC()
	failed := schema.ExecutionStatusFailed
	if err := c.store.UpdateExecution(ctx, r.exec.TenantID, r.exec.ID, store.ExecutionUpdate{
		Status:      &failed,
		Error:       errRaw,
		CompletedAt: &now,
		Counters:    &counters,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "finalize failed").WithCause(err)
	}
	c.unregister(r)
	c.logger.Warn("execution failed",
		"tenant_id", r.exec.TenantID, "execution_id", r.exec.ID,
		"code", ferr.Code, "error", ferr.Message)
	return nil
}

func (c *Coordinator) finalizeCancelled(ctx context.Context, r *run) error {
	if err := c.execFSM.Transition(ctx, r.exec.TenantID, r.exec.ID,
		schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled); err != nil {
		return err
	}

	// Skip any steps still parked behind the gate.
	r.mu.Lock()
	parked := make([]parkedStep, 0, len(r.waiting))
	for _, p := range r.waiting {
		parked = append(parked, p)
	}
	r.waiting = make(map[string]parkedStep)
	r.mu.Unlock()

	for _, p := range parked {
		node := r.graph.Node(p.node)
		if err := c.stepFSM.Transition(ctx, r.exec.TenantID, r.exec.ID, node.ID(),
			schema.StepStatusWaiting, schema.StepStatusSkipped); err != nil {
			return err
		}
		skipped := schema.StepStatusSkipped
		if err := c.store.UpdateStep(ctx, r.exec.TenantID, p.stepID, store.StepUpdate{Status: &skipped}); err != nil {
			return schema.NewError(schema.ErrCodeStore, "skip parked step").WithCause(err)
		}
		r.mu.Lock()
		r.counters.Total++
		r.counters.Skipped++
		r.mu.Unlock()
	}

	r.mu.Lock()
	counters := r.counters
	r.mu.Unlock()

	now := time.Now().UTC()
	cancelled := schema.ExecutionStatusCancelled
	if err := c.store.UpdateExecution(ctx, r.exec.TenantID, r.exec.ID, store.ExecutionUpdate{
		Status:      &cancelled,
		CompletedAt: &now,
		Counters:    &counters,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "finalize cancelled").WithCause(err)
	}
	c.unregister(r)
	c.logger.Info("execution cancelled",
		"tenant_id", r.exec.TenantID, "execution_id", r.exec.ID)
	return nil
}

func (c *Coordinator) unregister(r *run) {
	c.mu.Lock()
	delete(c.runs, r.exec.ID)
	c.mu.Unlock()
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func appendUnique(list []graph.NodeHandle, h graph.NodeHandle) []graph.NodeHandle {
	for _, x := range list {
		if x == h {
			return list
		}
	}
	return append(list, h)
}
