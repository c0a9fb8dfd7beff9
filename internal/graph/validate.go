package graph

import (
	"encoding/json"
	"fmt"

	"github.com/gridflow/gridflow/pkg/schema"
)

// Violation is one structural problem found in a graph definition.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"node_id,omitempty"`
	EdgeID  string `json:"edge_id,omitempty"`
}

// Violation codes.
const (
	ViolationDuplicateID      = "duplicate_id"
	ViolationUnknownType      = "unknown_type"
	ViolationBadConfig        = "bad_config"
	ViolationBadRetry         = "bad_retry"
	ViolationDanglingEdge     = "dangling_edge"
	ViolationNoTrigger        = "no_trigger"
	ViolationMultipleTriggers = "multiple_triggers"
	ViolationNoIncoming       = "no_incoming_edge"
	ViolationUnreachable      = "unreachable"
	ViolationAmbiguousDefault = "ambiguous_default"
	ViolationIllegalCycle     = "illegal_cycle"
	ViolationLoopShape        = "loop_shape"
)

var validNodeTypes = map[schema.NodeType]bool{
	schema.NodeTypeTrigger:     true,
	schema.NodeTypeAction:      true,
	schema.NodeTypeCondition:   true,
	schema.NodeTypeLoop:        true,
	schema.NodeTypeAICall:      true,
	schema.NodeTypeWebhook:     true,
	schema.NodeTypeDelay:       true,
	schema.NodeTypeTransform:   true,
	schema.NodeTypeFilter:      true,
	schema.NodeTypeAggregate:   true,
	schema.NodeTypeBranch:      true,
	schema.NodeTypeMerge:       true,
	schema.NodeTypeIntegration: true,
}

// Validate checks the structural invariants a graph must satisfy before it
// may be published:
//
//   - node and edge IDs are present and unique, node types are known
//   - node configs decode into their typed form, retry policies are in bounds
//   - edge endpoints reference nodes in the same graph
//   - exactly one trigger node exists
//   - every non-trigger node has at least one incoming edge and is
//     reachable from the trigger
//   - per (node, source handle): at most one unconditional default edge,
//     and every other non-error edge carries a condition
//   - cycles pass through a loop node or close via a loop-typed edge
//   - loop nodes have both a body and an exit path
func Validate(def *schema.GraphDefinition) []Violation {
	var vs []Violation

	nodeIdx := make(map[string]int, len(def.Nodes))
	for i := range def.Nodes {
		nd := &def.Nodes[i]
		if nd.ID == "" {
			vs = append(vs, Violation{Code: ViolationDuplicateID, Message: fmt.Sprintf("node at index %d has empty ID", i)})
			continue
		}
		if _, dup := nodeIdx[nd.ID]; dup {
			vs = append(vs, Violation{Code: ViolationDuplicateID, NodeID: nd.ID, Message: "duplicate node ID"})
			continue
		}
		nodeIdx[nd.ID] = i

		if !validNodeTypes[nd.Type] {
			vs = append(vs, Violation{Code: ViolationUnknownType, NodeID: nd.ID, Message: fmt.Sprintf("unknown node type: %s", nd.Type)})
			continue
		}
		if _, err := schema.DecodeNodeConfig(nd.Type, nd.Config); err != nil {
			vs = append(vs, Violation{Code: ViolationBadConfig, NodeID: nd.ID, Message: err.Error()})
		}
		if nd.Retry != nil {
			if err := nd.Retry.Validate(); err != nil {
				vs = append(vs, Violation{Code: ViolationBadRetry, NodeID: nd.ID, Message: err.Error()})
			}
		}
	}

	// Trigger cardinality.
	var triggers []string
	for i := range def.Nodes {
		if def.Nodes[i].Type == schema.NodeTypeTrigger {
			triggers = append(triggers, def.Nodes[i].ID)
		}
	}
	switch len(triggers) {
	case 0:
		vs = append(vs, Violation{Code: ViolationNoTrigger, Message: "graph has no trigger node"})
	case 1:
	default:
		vs = append(vs, Violation{Code: ViolationMultipleTriggers, Message: fmt.Sprintf("graph has %d trigger nodes", len(triggers))})
	}

	// Edge endpoints, incoming sets, adjacency, default-edge uniqueness.
	type handleKey struct {
		node   string
		handle string
	}
	defaults := make(map[handleKey]int)
	incoming := make(map[string]int, len(def.Nodes))
	adj := make(map[string][]string, len(def.Nodes))       // every edge, error fallbacks included
	forwardAdj := make(map[string][]string, len(def.Nodes)) // excludes loop back edges
	edgeIDs := make(map[string]bool, len(def.Edges))

	for i := range def.Edges {
		ed := &def.Edges[i]
		if ed.ID != "" {
			if edgeIDs[ed.ID] {
				vs = append(vs, Violation{Code: ViolationDuplicateID, EdgeID: ed.ID, Message: "duplicate edge ID"})
			}
			edgeIDs[ed.ID] = true
		}
		if _, ok := nodeIdx[ed.Source]; !ok {
			vs = append(vs, Violation{Code: ViolationDanglingEdge, EdgeID: ed.ID, Message: fmt.Sprintf("edge source %q does not exist", ed.Source)})
			continue
		}
		if _, ok := nodeIdx[ed.Target]; !ok {
			vs = append(vs, Violation{Code: ViolationDanglingEdge, EdgeID: ed.ID, Message: fmt.Sprintf("edge target %q does not exist", ed.Target)})
			continue
		}

		et := ed.Type
		if et == "" {
			et = schema.EdgeTypeDefault
		}
		incoming[ed.Target]++
		adj[ed.Source] = append(adj[ed.Source], ed.Target)
		if et == schema.EdgeTypeError {
			// Fallback paths reach their targets but carry no conditions
			// and never participate in the cycle check.
			continue
		}
		if et != schema.EdgeTypeLoop {
			forwardAdj[ed.Source] = append(forwardAdj[ed.Source], ed.Target)
		}

		unconditional := ed.Condition == nil || (ed.Condition.Expression == "" && len(ed.Condition.Clauses) == 0)
		if et == schema.EdgeTypeConditional && unconditional {
			vs = append(vs, Violation{Code: ViolationAmbiguousDefault, EdgeID: ed.ID,
				Message: fmt.Sprintf("conditional edge from %q carries no condition", ed.Source)})
			continue
		}
		if unconditional {
			key := handleKey{ed.Source, ed.SourceHandle}
			defaults[key]++
			if defaults[key] > 1 {
				vs = append(vs, Violation{Code: ViolationAmbiguousDefault, EdgeID: ed.ID,
					Message: fmt.Sprintf("node %q handle %q has more than one unconditional edge", ed.Source, ed.SourceHandle)})
			}
		}
	}

	// Incoming-edge and reachability checks need a valid trigger.
	if len(triggers) == 1 {
		trigger := triggers[0]
		for i := range def.Nodes {
			nd := &def.Nodes[i]
			if nd.Type == schema.NodeTypeTrigger {
				continue
			}
			if incoming[nd.ID] == 0 {
				vs = append(vs, Violation{Code: ViolationNoIncoming, NodeID: nd.ID, Message: "non-trigger node has no incoming edge"})
			}
		}

		reached := map[string]bool{trigger: true}
		queue := []string{trigger}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, next := range adj[cur] {
				if !reached[next] {
					reached[next] = true
					queue = append(queue, next)
				}
			}
		}
		for i := range def.Nodes {
			nd := &def.Nodes[i]
			if !reached[nd.ID] {
				vs = append(vs, Violation{Code: ViolationUnreachable, NodeID: nd.ID, Message: "node is not reachable from the trigger"})
			}
		}
	}

	// Cycle policy: with loop back edges removed, the graph must be acyclic.
	// Any remaining cycle means a loop was authored without a loop node/edge.
	if cycleNode := findCycle(nodeIdx, forwardAdj, def); cycleNode != "" {
		vs = append(vs, Violation{Code: ViolationIllegalCycle, NodeID: cycleNode,
			Message: "cycle does not pass through a loop construct"})
	}

	// Loop nodes need both body and exit edges.
	for i := range def.Nodes {
		nd := &def.Nodes[i]
		if nd.Type != schema.NodeTypeLoop {
			continue
		}
		hasBody, hasExit := false, false
		for j := range def.Edges {
			ed := &def.Edges[j]
			if ed.Source != nd.ID {
				continue
			}
			switch ed.SourceHandle {
			case schema.HandleBody:
				hasBody = true
			case schema.HandleExit:
				hasExit = true
			}
		}
		if !hasBody || !hasExit {
			vs = append(vs, Violation{Code: ViolationLoopShape, NodeID: nd.ID,
				Message: "loop node must have both a body and an exit edge"})
		}
	}

	return vs
}

// findCycle runs a three-color DFS over the forward adjacency (loop back
// edges excluded) and returns a node on a cycle, or "". Loop-node bodies
// close their cycle through a loop-typed edge, which is not in forwardAdj,
// so legal loops never trip this.
func findCycle(nodeIdx map[string]int, forwardAdj map[string][]string, def *schema.GraphDefinition) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodeIdx))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, next := range forwardAdj[id] {
			switch color[next] {
			case gray:
				return next
			case white:
				if c := visit(next); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}

	for i := range def.Nodes {
		id := def.Nodes[i].ID
		if _, ok := nodeIdx[id]; !ok {
			continue
		}
		if color[id] == white {
			if c := visit(id); c != "" {
				return c
			}
		}
	}
	return ""
}

// Publish validates a draft definition and returns the frozen published
// version: a deep copy with the version incremented and the parent version
// linked. The input definition is left untouched, and in-flight executions
// of prior versions are unaffected because each execution pins the version
// it began with.
func Publish(def *schema.GraphDefinition) (*schema.GraphDefinition, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph definition is nil")
	}
	if def.Status == schema.GraphStatusArchived {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "graph %s is archived", def.ID)
	}
	if violations := Validate(def); len(violations) > 0 {
		return nil, violationError(def.ID, violations)
	}

	raw, err := json.Marshal(def)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "clone graph %s: %s", def.ID, err.Error()).WithCause(err)
	}
	published := &schema.GraphDefinition{}
	if err := json.Unmarshal(raw, published); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "clone graph %s: %s", def.ID, err.Error()).WithCause(err)
	}

	published.Status = schema.GraphStatusPublished
	published.ParentVersion = def.Version
	published.Version = def.Version + 1
	return published, nil
}

func violationError(graphID string, vs []Violation) *schema.FlowError {
	details := make(map[string]any, 2)
	details["graph_id"] = graphID
	details["violations"] = vs
	return schema.NewErrorf(schema.ErrCodeValidation, "graph %s failed validation with %d violation(s)", graphID, len(vs)).
		WithDetails(details)
}
