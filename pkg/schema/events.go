package schema

// Telemetry event types recorded in the append-only event log. Each
// execution or step transition is recorded durably before the run loop
// proceeds, so an external dashboard can reconstruct every run.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionCancelled = "execution.cancelled"

	EventStepDispatched = "step.dispatched"
	EventStepCompleted  = "step.completed"
	EventStepFailed     = "step.failed"
	EventStepSkipped    = "step.skipped"
	EventStepRetried    = "step.retried"
	EventStepWaiting    = "step.waiting"

	EventGateRequested    = "gate.requested"
	EventGateAutoApproved = "gate.auto_approved"
	EventGateApproved     = "gate.approved"
	EventGateRejected     = "gate.rejected"
	EventGateExpired      = "gate.expired"

	EventGraphPublished = "graph.published"
)
