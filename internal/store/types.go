package store

import (
	"encoding/json"
	"time"

	"github.com/gridflow/gridflow/pkg/schema"
)

// Execution is one persisted run instance of a graph version.
type Execution struct {
	ID           string                   `json:"id"`
	TenantID     string                   `json:"tenant_id"`
	GraphID      string                   `json:"graph_id"`
	GraphVersion int                      `json:"graph_version"`
	Status       schema.ExecutionStatus   `json:"status"`
	Trigger      schema.TriggerDescriptor `json:"trigger"`
	Input        map[string]any           `json:"input,omitempty"`

	// Context is the shared key-value bag threading node outputs through
	// the run; persisted on every mutation so a dashboard can inspect it.
	Context json.RawMessage `json:"context,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`

	// RetryOf links a retry execution back to its failed predecessor.
	RetryOf string `json:"retry_of,omitempty"`

	TotalSteps     int `json:"total_steps"`
	SucceededSteps int `json:"succeeded_steps"`
	FailedSteps    int `json:"failed_steps"`
	SkippedSteps   int `json:"skipped_steps"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ExecutionStep records one node dispatch within an execution. Steps are
// append-only; the ordinal reflects dispatch order, not graph order, and a
// node dispatched repeatedly inside a loop produces a new step each time.
type ExecutionStep struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	Ordinal     int               `json:"ordinal"`
	Status      schema.StepStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Logs        []string          `json:"logs,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// ApprovalStatus is the lifecycle state of a PendingAction.
type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalRejected     ApprovalStatus = "rejected"
	ApprovalExpired      ApprovalStatus = "expired"
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
)

// Terminal reports whether the status is a final resolution.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// PendingAction is a node execution suspended behind the approval gate,
// awaiting a human decision.
type PendingAction struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	ExecutionID string           `json:"execution_id"`
	NodeID      string           `json:"node_id"`
	AgentID     string           `json:"agent_id,omitempty"`
	ActionType  string           `json:"action_type"`
	Risk        schema.RiskLevel `json:"risk"`
	Reasons     []string         `json:"reasons,omitempty"`
	Status      ApprovalStatus   `json:"status"`
	Reviewer    string           `json:"reviewer,omitempty"`
	ExpiresAt   time.Time        `json:"expires_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Event is one immutable telemetry entry. Sequence is monotonically
// increasing per execution.
type Event struct {
	ID          int64           `json:"id"`
	TenantID    string          `json:"tenant_id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// Schedule is a cron-triggered graph execution.
type Schedule struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	GraphID   string          `json:"graph_id"`
	CronExpr  string          `json:"cron_expr"`
	Input     json.RawMessage `json:"input,omitempty"`
	Enabled   bool            `json:"enabled"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// GraphFilter selects graphs within a tenant.
type GraphFilter struct {
	Status *schema.GraphStatus `json:"status,omitempty"`
	Name   string              `json:"name,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
}

// ExecutionFilter selects executions within a tenant.
type ExecutionFilter struct {
	GraphID string                  `json:"graph_id,omitempty"`
	Status  *schema.ExecutionStatus `json:"status,omitempty"`
	Since   *time.Time              `json:"since,omitempty"`
	Limit   int                     `json:"limit,omitempty"`
}

// ExecutionUpdate carries the mutable fields of an execution.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	Context     json.RawMessage         `json:"context,omitempty"`
	Output      json.RawMessage         `json:"output,omitempty"`
	Error       json.RawMessage         `json:"error,omitempty"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	Counters    *StepCounters           `json:"counters,omitempty"`
}

// StepCounters aggregates per-execution step accounting.
type StepCounters struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// StepUpdate carries the mutable fields of an execution step.
type StepUpdate struct {
	Status      *schema.StepStatus `json:"status,omitempty"`
	Attempts    *int               `json:"attempts,omitempty"`
	Output      json.RawMessage    `json:"output,omitempty"`
	Error       json.RawMessage    `json:"error,omitempty"`
	Logs        []string           `json:"logs,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	DurationMs  *int64             `json:"duration_ms,omitempty"`
}

// PendingActionFilter selects pending actions within a tenant.
type PendingActionFilter struct {
	ExecutionID string          `json:"execution_id,omitempty"`
	Status      *ApprovalStatus `json:"status,omitempty"`
	Limit       int             `json:"limit,omitempty"`
}
