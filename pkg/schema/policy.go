package schema

import "time"

// RetryPolicy bounds retries of transient node failures. Constructed and
// validated once at graph publish time, not re-parsed per execution.
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts"`
	BackoffMs   int64 `json:"backoff_ms,omitempty"`
}

// Validate checks the policy bounds.
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return NewError(ErrCodeValidation, "retry policy: max_attempts must be >= 1")
	}
	if p.BackoffMs < 0 {
		return NewError(ErrCodeValidation, "retry policy: backoff_ms must be >= 0")
	}
	return nil
}

// Backoff returns the delay before the given retry attempt (1-based):
// backoff_ms * attempt, linear.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if p == nil || p.BackoffMs <= 0 || attempt < 1 {
		return 0
	}
	return time.Duration(p.BackoffMs*int64(attempt)) * time.Millisecond
}

// RiskLevel classifies how dangerous a node's side effect is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels for threshold comparison. Unknown levels rank
// highest so a typo never silently lowers scrutiny.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 4
	}
}

// AutonomyLevel is the team-configured supervision mode.
type AutonomyLevel string

const (
	AutonomySupervised     AutonomyLevel = "supervised"
	AutonomySemiAutonomous AutonomyLevel = "semi_autonomous"
	AutonomyAutonomous     AutonomyLevel = "autonomous"
)

// AutonomyPolicy is captured once at execution start so a policy change
// mid-flight never alters the behavior of an already-running execution.
type AutonomyPolicy struct {
	Level AutonomyLevel `json:"level"`

	// Threshold is the lowest risk level requiring human approval when the
	// level permits auto-clearing at all.
	Threshold RiskLevel `json:"threshold"`

	// ApprovalTTL bounds how long a pending approval may wait before it
	// auto-expires. Zero means DefaultApprovalTTL.
	ApprovalTTL time.Duration `json:"approval_ttl,omitempty"`
}

// DefaultApprovalTTL is applied when a policy sets no TTL.
const DefaultApprovalTTL = 24 * time.Hour

// DefaultAutonomyPolicy is the safe fallback: everything above medium risk
// requires human review.
func DefaultAutonomyPolicy() AutonomyPolicy {
	return AutonomyPolicy{
		Level:       AutonomySemiAutonomous,
		Threshold:   RiskHigh,
		ApprovalTTL: DefaultApprovalTTL,
	}
}

// RequiresApproval reports whether a node at the given risk level must wait
// for human review under this policy. The threshold applies at every level
// that permits auto-clearing; an autonomous team that sets threshold=high
// still gates high-risk nodes.
func (p AutonomyPolicy) RequiresApproval(risk RiskLevel) bool {
	switch p.Level {
	case AutonomySupervised:
		return true
	case AutonomyAutonomous:
		return risk.Rank() >= p.thresholdOr(RiskCritical).Rank()
	default: // semi-autonomous
		return risk.Rank() >= p.thresholdOr(RiskHigh).Rank()
	}
}

// thresholdOr returns the configured threshold, or fallback when unset.
func (p AutonomyPolicy) thresholdOr(fallback RiskLevel) RiskLevel {
	if p.Threshold == "" {
		return fallback
	}
	return p.Threshold
}

// TTL returns the effective approval TTL.
func (p AutonomyPolicy) TTL() time.Duration {
	if p.ApprovalTTL > 0 {
		return p.ApprovalTTL
	}
	return DefaultApprovalTTL
}
