package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gridflow/gridflow/internal/expressions"
	"github.com/gridflow/gridflow/internal/graph"
	"github.com/gridflow/gridflow/pkg/schema"
)

// RunContext is the read-only view of run state the scheduler consults.
// The coordinator owns the underlying state and commits loop counters and
// merge arrivals only after a selection is actually dispatched, so calling
// Next repeatedly without dispatching always yields the same selection.
type RunContext struct {
	// Snapshot is the shared execution context (input, nodes, trigger,
	// execution, loop scopes) used for predicate evaluation.
	Snapshot map[string]any

	// LoopCounts holds committed iteration counts per loop node.
	LoopCounts map[graph.NodeHandle]int

	// Arrivals holds committed merge-join arrivals: merge node -> set of
	// predecessors whose branches have reached it.
	Arrivals map[graph.NodeHandle]map[graph.NodeHandle]bool
}

// Arrival is one merge-join arrival the coordinator must commit once the
// selection dispatches.
type Arrival struct {
	Merge graph.NodeHandle
	From  graph.NodeHandle
}

// Selection is the scheduler's routing decision for one completed node.
type Selection struct {
	// Targets are the nodes ready to dispatch, deduplicated.
	Targets []graph.NodeHandle

	// LoopEntered is set when the completed node is a loop routed into its
	// body; the coordinator increments the loop counter on dispatch.
	LoopEntered bool

	// Arrivals are merge-join arrivals to commit on dispatch. A merge node
	// appears in Targets only when this arrival completes its join.
	Arrivals []Arrival

	// Unrecovered is set when the node failed and no error edge exists;
	// the run fails.
	Unrecovered bool

	// Warnings are non-fatal routing notes, e.g. malformed predicates
	// evaluated false. The coordinator appends them to the completed
	// step's logs.
	Warnings []string
}

// Scheduler decides which nodes run next after each step completes. Next is
// a pure function of the compiled graph, the completed step's outcome, and
// the RunContext; it never mutates state and never performs IO beyond
// warning logs for malformed predicates.
type Scheduler struct {
	cel    *expressions.CELEngine
	logger *slog.Logger
}

// NewScheduler creates a Scheduler evaluating edge predicates with the
// given CEL engine.
func NewScheduler(cel *expressions.CELEngine, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cel: cel, logger: logger}
}

// Next routes the outcome of a completed node to its successors.
func (s *Scheduler) Next(ctx context.Context, g *graph.Graph, completed graph.NodeHandle, result StepOutcome, rctx *RunContext) (Selection, error) {
	node := g.Node(completed)

	if result.Status == schema.StepStatusError {
		return s.routeFailure(g, completed), nil
	}

	var sel Selection
	switch node.Type() {
	case schema.NodeTypeLoop:
		cfg := node.Config.(*schema.LoopConfig)
		if rctx.LoopCounts[completed] < cfg.MaxIterations {
			sel.LoopEntered = true
			return s.resolveHandles(ctx, g, completed, []string{schema.HandleBody}, rctx, sel)
		}
		// Bound reached: exit silently via the exit edge.
		s.logger.Debug("loop bound reached, exiting",
			"node_id", node.ID(), "max_iterations", cfg.MaxIterations)
		return s.resolveHandles(ctx, g, completed, []string{schema.HandleExit}, rctx, sel)

	case schema.NodeTypeCondition, schema.NodeTypeFilter:
		// The node's own evaluation picked the handle.
		return s.resolveHandles(ctx, g, completed, []string{result.Handle}, rctx, sel)

	case schema.NodeTypeBranch:
		return s.routeBranch(ctx, g, completed, rctx, sel)

	default:
		// Plain nodes fan out across every declared handle in parallel.
		return s.resolveHandles(ctx, g, completed, g.Handles(completed), rctx, sel)
	}
}

// routeFailure prefers the node's error edges as a fallback path; with no
// error edge the failure is unrecovered and the run fails.
func (s *Scheduler) routeFailure(g *graph.Graph, completed graph.NodeHandle) Selection {
	edges := g.ErrorEdges(completed)
	if len(edges) == 0 {
		return Selection{Unrecovered: true}
	}
	sel := Selection{}
	for _, e := range edges {
		s.admit(g, completed, e.Target, nil, &sel)
	}
	return sel
}

// routeBranch evaluates the branch's conditional edges in declared order;
// the first true predicate wins. An unconditional edge acts as fallback.
func (s *Scheduler) routeBranch(ctx context.Context, g *graph.Graph, completed graph.NodeHandle, rctx *RunContext, sel Selection) (Selection, error) {
	var all []*graph.Edge
	for _, handle := range g.Handles(completed) {
		all = append(all, g.Out(completed, handle)...)
	}
	sortEdgesByPriority(all)

	var fallback *graph.Edge
	for _, e := range all {
		if e.Def.Condition == nil {
			if fallback != nil {
				return Selection{}, schema.NewErrorf(schema.ErrCodeSchedulingAmbiguity,
					"branch %s has multiple unconditional edges", g.Node(completed).ID()).
					WithNode(g.Node(completed).ID())
			}
			fallback = e
			continue
		}
		if s.evalPredicate(ctx, g.Node(completed).ID(), e.Def.Condition, rctx.Snapshot, &sel) {
			s.admit(g, completed, e.Target, rctx, &sel)
			return sel, nil
		}
	}
	if fallback != nil {
		s.admit(g, completed, fallback.Target, rctx, &sel)
	}
	// No match and no fallback: dead end, not a failure.
	return sel, nil
}

// resolveHandles routes one target per handle: conditional edges first-match
// in declared order, then the handle's single unconditional edge as
// fallback. A handle with no match is a dead end.
func (s *Scheduler) resolveHandles(ctx context.Context, g *graph.Graph, completed graph.NodeHandle, handles []string, rctx *RunContext, sel Selection) (Selection, error) {
	nodeID := g.Node(completed).ID()
	for _, handle := range handles {
		edges := g.Out(completed, handle)

		var fallback *graph.Edge
		var matched *graph.Edge
		for _, e := range edges {
			if e.Def.Condition == nil {
				if fallback != nil {
					// Validation rejects this shape; hitting it at runtime
					// means the stored graph is corrupt.
					return Selection{}, schema.NewErrorf(schema.ErrCodeSchedulingAmbiguity,
						"node %s handle %q has multiple unconditional edges", nodeID, handle).
						WithNode(nodeID)
				}
				fallback = e
				continue
			}
			if matched == nil && s.evalPredicate(ctx, nodeID, e.Def.Condition, rctx.Snapshot, &sel) {
				matched = e
			}
		}

		switch {
		case matched != nil:
			s.admit(g, completed, matched.Target, rctx, &sel)
		case fallback != nil:
			s.admit(g, completed, fallback.Target, rctx, &sel)
		}
	}
	return sel, nil
}

// admit adds a routed target to the selection, holding merge nodes back
// until the join completes. A join is complete when every arrival group has
// at least one arrival; predecessors behind different arms of the same
// exclusive routing decision share a group, so the arm that was not taken
// never stalls the merge.
func (s *Scheduler) admit(g *graph.Graph, from, target graph.NodeHandle, rctx *RunContext, sel *Selection) {
	node := g.Node(target)
	if node.Type() != schema.NodeTypeMerge {
		appendTarget(sel, target)
		return
	}

	sel.Arrivals = append(sel.Arrivals, Arrival{Merge: target, From: from})

	var committed map[graph.NodeHandle]bool
	if rctx != nil {
		committed = rctx.Arrivals[target]
	}
	for _, group := range g.JoinGroups(target) {
		arrived := false
		for _, pred := range group {
			if pred == from || committed[pred] {
				arrived = true
				break
			}
		}
		if !arrived {
			return // join incomplete, buffer the arrival
		}
	}
	appendTarget(sel, target)
}

func appendTarget(sel *Selection, target graph.NodeHandle) {
	for _, t := range sel.Targets {
		if t == target {
			return
		}
	}
	sel.Targets = append(sel.Targets, target)
}

func sortEdgesByPriority(edges []*graph.Edge) {
	for i := 1; i < len(edges); i++ {
		key := edges[i]
		j := i - 1
		for j >= 0 && edges[j].Priority > key.Priority {
			edges[j+1] = edges[j]
			j--
		}
		edges[j+1] = key
	}
}

// --- Predicate evaluation ---

// evalPredicate evaluates an edge condition against the context snapshot.
// Malformed predicates and missing fields evaluate false with a warning so
// one bad edge never takes the run down; the warning is recorded on the
// selection so it lands on the step being routed.
func (s *Scheduler) evalPredicate(ctx context.Context, nodeID string, cond *schema.Condition, snapshot map[string]any, sel *Selection) bool {
	if cond.Expression != "" {
		out, err := s.cel.Evaluate(ctx, cond.Expression, snapshot)
		if err != nil {
			s.warnFalse(sel, nodeID, fmt.Sprintf("predicate %q failed to evaluate: %v", cond.Expression, err))
			return false
		}
		b, ok := out.(bool)
		if !ok {
			s.warnFalse(sel, nodeID, fmt.Sprintf("predicate %q returned %T, not boolean", cond.Expression, out))
			return false
		}
		return b
	}

	if len(cond.Clauses) == 0 {
		return false
	}

	anyMode := strings.EqualFold(cond.Combinator, "or")
	for _, clause := range cond.Clauses {
		ok := s.evalClause(nodeID, clause, snapshot, sel)
		if anyMode && ok {
			return true
		}
		if !anyMode && !ok {
			return false
		}
	}
	return !anyMode
}

// warnFalse records a malformed-predicate warning in the process log and on
// the selection.
func (s *Scheduler) warnFalse(sel *Selection, nodeID, detail string) {
	s.logger.Warn("edge predicate treated as false", "node_id", nodeID, "detail", detail)
	if sel != nil {
		sel.Warnings = append(sel.Warnings, detail+", treated as false")
	}
}

func (s *Scheduler) evalClause(nodeID string, clause schema.ConditionClause, snapshot map[string]any, sel *Selection) bool {
	val, found := lookupPath(snapshot, clause.Field)

	switch clause.Operator {
	case "exists":
		return found
	case "eq":
		return found && compareEq(val, clause.Value)
	case "neq":
		return found && !compareEq(val, clause.Value)
	case "gt", "gte", "lt", "lte":
		if !found {
			return false
		}
		cmp, ok := compareOrder(val, clause.Value)
		if !ok {
			return false
		}
		switch clause.Operator {
		case "gt":
			return cmp > 0
		case "gte":
			return cmp >= 0
		case "lt":
			return cmp < 0
		default:
			return cmp <= 0
		}
	case "contains":
		return found && containsValue(val, clause.Value)
	default:
		s.warnFalse(sel, nodeID, fmt.Sprintf("unknown predicate operator %q on field %q", clause.Operator, clause.Field))
		return false
	}
}

// lookupPath resolves a dot-separated field path in the snapshot.
func lookupPath(snapshot map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = snapshot
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func compareEq(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// compareOrder returns -1/0/1 for ordered comparison, numeric when both
// sides coerce, lexicographic for strings.
func compareOrder(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		for _, item := range h {
			if compareEq(item, needle) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
