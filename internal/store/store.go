package store

import (
	"context"
	"time"

	"github.com/gridflow/gridflow/pkg/schema"
)

// Store defines the persistence contract the engine consumes. Every read
// and write is scoped by tenant ID; the engine never issues an unscoped
// query. Implementations must be safe for concurrent use and provide at
// least read-committed isolation.
type Store interface {
	// Graphs. Definitions are immutable once published; saving a published
	// definition stores a new version row.
	CreateGraph(ctx context.Context, def *schema.GraphDefinition) error
	SaveGraphVersion(ctx context.Context, def *schema.GraphDefinition) error
	GetGraph(ctx context.Context, tenantID, graphID string) (*schema.GraphDefinition, error)
	GetGraphVersion(ctx context.Context, tenantID, graphID string, version int) (*schema.GraphDefinition, error)
	UpdateDraft(ctx context.Context, def *schema.GraphDefinition) error
	ListGraphs(ctx context.Context, tenantID string, filter GraphFilter) ([]*schema.GraphDefinition, error)
	ArchiveGraph(ctx context.Context, tenantID, graphID string) error

	// Executions.
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, tenantID, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, tenantID, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*Execution, error)

	// Execution steps, append-only per execution.
	AppendStep(ctx context.Context, step *ExecutionStep) error
	UpdateStep(ctx context.Context, tenantID, stepID string, update StepUpdate) error
	ListSteps(ctx context.Context, tenantID, executionID string) ([]*ExecutionStep, error)

	// Pending approval actions.
	CreatePendingAction(ctx context.Context, pa *PendingAction) error
	GetPendingAction(ctx context.Context, tenantID, id string) (*PendingAction, error)
	ResolvePendingAction(ctx context.Context, tenantID, id string, status ApprovalStatus, reviewer string) error
	ListPendingActions(ctx context.Context, tenantID string, filter PendingActionFilter) ([]*PendingAction, error)

	// ExpireDuePendingActions transitions every pending action whose
	// expiry has passed to expired and returns them. This is the single
	// maintenance operation that runs across tenants; it lives inside the
	// store boundary, and callers receive fully tenant-tagged records.
	ExpireDuePendingActions(ctx context.Context, now time.Time) ([]*PendingAction, error)

	// Schedules.
	CreateSchedule(ctx context.Context, s *Schedule) error
	UpdateScheduleRun(ctx context.Context, tenantID, id string, lastRun time.Time, nextRun *time.Time) error
	SetScheduleEnabled(ctx context.Context, tenantID, id string, enabled bool) error
	ListSchedules(ctx context.Context, tenantID string) ([]*Schedule, error)

	// ListDueSchedules returns enabled schedules whose next run is at or
	// before now. Cross-tenant by design, same rationale as expiry.
	ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)

	// Telemetry sink: append-only event log with a per-execution
	// monotonic sequence. Each transition is recorded durably before the
	// run loop proceeds.
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, tenantID, executionID string, since int64) ([]*Event, error)

	// Maintenance and lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
