package schema

import "encoding/json"

// GraphDefinition is the JSON-serializable workflow graph format.
// A graph is a tenant-owned, versioned set of typed nodes connected by
// directed, optionally conditional edges.
type GraphDefinition struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	Name          string           `json:"name"`
	Status        GraphStatus      `json:"status"`
	Version       int              `json:"version"`
	ParentVersion int              `json:"parent_version,omitempty"`
	Nodes         []NodeDefinition `json:"nodes"`
	Edges         []EdgeDefinition `json:"edges"`

	// Viewport is canvas layout metadata. Presentation only; never read
	// by the engine.
	Viewport json.RawMessage `json:"viewport,omitempty"`

	// RiskOverrides raises or lowers the risk classification of specific
	// action types for this graph (action type -> level).
	RiskOverrides map[string]RiskLevel `json:"risk_overrides,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// GraphStatus is the lifecycle state of a graph definition.
type GraphStatus string

const (
	GraphStatusDraft     GraphStatus = "draft"
	GraphStatusPublished GraphStatus = "published"
	GraphStatusArchived  GraphStatus = "archived"
)

// NodeDefinition describes a single node in a graph.
type NodeDefinition struct {
	ID      string          `json:"id"`
	Type    NodeType        `json:"type"`
	Name    string          `json:"name,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"` // type-specific, decoded at compile time
	AgentID string          `json:"agent_id,omitempty"`

	// TimeoutSec bounds a single execution attempt of this node.
	// Zero means DefaultNodeTimeoutSec.
	TimeoutSec int          `json:"timeout_sec,omitempty"`
	Retry      *RetryPolicy `json:"retry,omitempty"`
}

// NodeType enumerates the kinds of nodes in a graph.
type NodeType string

const (
	NodeTypeTrigger     NodeType = "trigger"
	NodeTypeAction      NodeType = "action"
	NodeTypeCondition   NodeType = "condition"
	NodeTypeLoop        NodeType = "loop"
	NodeTypeAICall      NodeType = "ai_call"
	NodeTypeWebhook     NodeType = "webhook"
	NodeTypeDelay       NodeType = "delay"
	NodeTypeTransform   NodeType = "transform"
	NodeTypeFilter      NodeType = "filter"
	NodeTypeAggregate   NodeType = "aggregate"
	NodeTypeBranch      NodeType = "branch"
	NodeTypeMerge       NodeType = "merge"
	NodeTypeIntegration NodeType = "integration"
)

// DefaultNodeTimeoutSec is applied when a node specifies no timeout.
const DefaultNodeTimeoutSec = 30

// EdgeDefinition is a directed connection between two nodes of one graph.
type EdgeDefinition struct {
	ID           string     `json:"id"`
	Source       string     `json:"source"`
	Target       string     `json:"target"`
	SourceHandle string     `json:"source_handle,omitempty"` // e.g. "true"/"false" on a condition node
	TargetHandle string     `json:"target_handle,omitempty"`
	Type         EdgeType   `json:"type,omitempty"` // default when empty
	Condition    *Condition `json:"condition,omitempty"`
}

// EdgeType enumerates edge kinds.
type EdgeType string

const (
	EdgeTypeDefault     EdgeType = "default"
	EdgeTypeConditional EdgeType = "conditional"
	EdgeTypeLoop        EdgeType = "loop" // back edge closing a loop body
	EdgeTypeError       EdgeType = "error"
)

// Condition is the predicate attached to a conditional edge. Either a CEL
// expression or a clause list; when both are set the expression wins.
type Condition struct {
	Expression string            `json:"expression,omitempty"`
	Combinator string            `json:"combinator,omitempty"` // "and" (default) | "or"
	Clauses    []ConditionClause `json:"clauses,omitempty"`
}

// ConditionClause is one field comparison within a Condition.
type ConditionClause struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // eq, neq, gt, gte, lt, lte, contains, exists
	Value    any    `json:"value,omitempty"`
}

// Well-known source handles used by routing node types.
const (
	HandleDefault = ""
	HandleTrue    = "true"
	HandleFalse   = "false"
	HandlePass    = "pass"
	HandleDrop    = "drop"
	HandleBody    = "body"
	HandleExit    = "exit"
)

// ExecutionStatus is the lifecycle state of one graph run.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepStatus is the execution-scoped state of one node dispatch.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusWaiting StepStatus = "waiting" // suspended behind the approval gate
	StepStatusSuccess StepStatus = "success"
	StepStatusError   StepStatus = "error"
	StepStatusSkipped StepStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s StepStatus) Terminal() bool {
	return s == StepStatusSuccess || s == StepStatusError || s == StepStatusSkipped
}

// TriggerType classifies how an execution was started.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerWebhook  TriggerType = "webhook"
	TriggerAgent    TriggerType = "agent"
)

// TriggerDescriptor normalizes all trigger sources to one shape.
type TriggerDescriptor struct {
	Type    TriggerType    `json:"type"`
	Source  string         `json:"source,omitempty"` // schedule ID, webhook endpoint, agent ID
	Payload map[string]any `json:"payload,omitempty"`
}
