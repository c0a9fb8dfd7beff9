// Package diagram renders graph definitions as Mermaid flowcharts or
// Graphviz PNGs, optionally overlaying the step statuses of one run.
package diagram

import (
	"fmt"

	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/pkg/schema"
)

// NodeKind classifies a diagram node for shape selection.
type NodeKind string

const (
	NodeKindStart    NodeKind = "start"
	NodeKindTask     NodeKind = "task"
	NodeKindDecision NodeKind = "decision"
	NodeKindLoop     NodeKind = "loop"
	NodeKindMerge    NodeKind = "merge"
	NodeKindWait     NodeKind = "wait"
	NodeKindEffect   NodeKind = "effect" // side-effecting: action, integration, webhook, ai_call
)

// EdgeKind mirrors the definition edge types for styling.
type EdgeKind string

const (
	EdgeKindDefault     EdgeKind = "default"
	EdgeKindConditional EdgeKind = "conditional"
	EdgeKindLoop        EdgeKind = "loop"
	EdgeKindError       EdgeKind = "error"
)

// Model is the renderer-independent representation.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one graph node prepared for rendering.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the runtime state of a node within one execution.
type StatusOverlay struct {
	Status     schema.StepStatus
	Attempts   int
	DurationMs int64
}

// Edge is one graph edge prepared for rendering.
type Edge struct {
	From  string
	To    string
	Label string
	Kind  EdgeKind
}

// FromDefinition builds a Model from a graph definition. Node labels carry
// the node id and type; edge labels carry the source handle or predicate.
func FromDefinition(def *schema.GraphDefinition) *Model {
	m := &Model{Title: fmt.Sprintf("%s (v%d)", def.Name, def.Version)}

	for _, n := range def.Nodes {
		m.Nodes = append(m.Nodes, &Node{
			ID:    n.ID,
			Label: fmt.Sprintf("%s\n%s", n.ID, n.Type),
			Kind:  kindOf(n.Type),
		})
	}
	for _, e := range def.Edges {
		m.Edges = append(m.Edges, Edge{
			From:  e.Source,
			To:    e.Target,
			Label: edgeLabel(e),
			Kind:  edgeKind(e),
		})
	}
	return m
}

// Overlay attaches run state to the model's nodes. A node dispatched more
// than once (loop bodies) shows its latest step.
func (m *Model) Overlay(steps []*store.ExecutionStep) {
	latest := make(map[string]*store.ExecutionStep, len(steps))
	for _, s := range steps {
		if prev, ok := latest[s.NodeID]; !ok || s.Ordinal > prev.Ordinal {
			latest[s.NodeID] = s
		}
	}
	for _, n := range m.Nodes {
		if s, ok := latest[n.ID]; ok {
			n.Status = &StatusOverlay{
				Status:     s.Status,
				Attempts:   s.Attempts,
				DurationMs: s.DurationMs,
			}
		}
	}
}

func kindOf(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTypeTrigger:
		return NodeKindStart
	case schema.NodeTypeCondition, schema.NodeTypeBranch, schema.NodeTypeFilter:
		return NodeKindDecision
	case schema.NodeTypeLoop:
		return NodeKindLoop
	case schema.NodeTypeMerge:
		return NodeKindMerge
	case schema.NodeTypeDelay:
		return NodeKindWait
	case schema.NodeTypeAction, schema.NodeTypeIntegration, schema.NodeTypeWebhook, schema.NodeTypeAICall:
		return NodeKindEffect
	default:
		return NodeKindTask
	}
}

func edgeKind(e schema.EdgeDefinition) EdgeKind {
	switch e.Type {
	case schema.EdgeTypeConditional:
		return EdgeKindConditional
	case schema.EdgeTypeLoop:
		return EdgeKindLoop
	case schema.EdgeTypeError:
		return EdgeKindError
	default:
		return EdgeKindDefault
	}
}

func edgeLabel(e schema.EdgeDefinition) string {
	if e.Type == schema.EdgeTypeError {
		return "on error"
	}
	if e.Condition != nil && e.Condition.Expression != "" {
		return e.Condition.Expression
	}
	if e.SourceHandle != "" && e.SourceHandle != schema.HandleDefault {
		return e.SourceHandle
	}
	return ""
}
