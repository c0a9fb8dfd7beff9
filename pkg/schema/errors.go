package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeTransientNode       = "TRANSIENT_NODE_ERROR"
	ErrCodePermanentNode       = "PERMANENT_NODE_ERROR"
	ErrCodeGateRejected        = "GATE_REJECTED"
	ErrCodeSchedulingAmbiguity = "SCHEDULING_AMBIGUITY"
	ErrCodeTimeout             = "TIMEOUT_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeRetryExhausted      = "RETRY_EXHAUSTED"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeExecution           = "EXECUTION_ERROR"
	ErrCodeVault               = "VAULT_ERROR"
)

// FlowError is the structured error type carried by terminal executions and
// returned from all engine operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	NodeID  string         `json:"node_id,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches the originating node ID.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithStep attaches the originating step ID.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code denotes a transient condition
// eligible for retry under a node's retry policy.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTransientNode, ErrCodeTimeout:
		return true
	default:
		return false
	}
}
