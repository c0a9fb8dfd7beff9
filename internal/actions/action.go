package actions

import (
	"context"
	"encoding/json"
)

// Action is an executable unit of work behind an action or integration node.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(params map[string]any) error
}

// ActionSchema describes the input/output contract of an action.
type ActionSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time. Params
// come from the node configuration; Context is a snapshot of the shared
// execution context at dispatch time.
type ActionInput struct {
	TenantID string         `json:"tenant_id"`
	AgentID  string         `json:"agent_id,omitempty"`
	Params   map[string]any `json:"params"`
	Context  map[string]any `json:"context,omitempty"`
}

// ActionOutput is the result of an action execution.
type ActionOutput struct {
	Data json.RawMessage `json:"data,omitempty"`
	Logs []string        `json:"logs,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
