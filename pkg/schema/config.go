package schema

import (
	"encoding/json"
	"fmt"
)

// NodeConfig is the closed set of per-type node configurations. Each node's
// raw config bag is decoded exactly once, at graph compile time, into one of
// the concrete types below so the executor's dispatch is an exhaustive
// switch rather than duck typing.
type NodeConfig interface {
	nodeConfig()
}

// TriggerConfig configures a trigger node.
type TriggerConfig struct {
	// Accept restricts which trigger types may start this graph.
	// Empty means all.
	Accept []TriggerType `json:"accept,omitempty"`
}

// ActionConfig configures an action node dispatched through the
// action executor registry.
type ActionConfig struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// IntegrationConfig configures an external-integration node (CRM write,
// email send, ...). The capability names a handler in the action registry;
// the engine is agnostic to what it does.
type IntegrationConfig struct {
	Capability string         `json:"capability"`
	Params     map[string]any `json:"params,omitempty"`
}

// AICallConfig configures an AI provider call.
type AICallConfig struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// WebhookConfig configures an outbound webhook call.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"` // default POST
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`
}

// ConditionConfig configures a condition node. The CEL expression is
// evaluated against the run context; the result routes via the node's
// "true"/"false" handles.
type ConditionConfig struct {
	Expression string `json:"expression"`
}

// FilterConfig configures a filter node: an expr-lang expression that
// passes or drops the current context, routing via "pass"/"drop" handles.
type FilterConfig struct {
	Expression string `json:"expression"`
}

// LoopConfig configures a loop node.
type LoopConfig struct {
	// MaxIterations bounds the loop; exceeding it exits silently via the
	// loop's exit edge. Must be >= 1.
	MaxIterations int `json:"max_iterations"`
}

// DelayConfig configures a timed delay node.
type DelayConfig struct {
	DurationMs int64 `json:"duration_ms"`
}

// TransformConfig configures a declarative data transform (jq expression
// applied to the run context).
type TransformConfig struct {
	Expression string `json:"expression"`
}

// AggregateConfig configures an aggregate node (jq expression reducing
// values accumulated in the run context).
type AggregateConfig struct {
	Expression string `json:"expression"`
}

// BranchConfig configures a branch node. Routing is entirely declared on
// the outgoing edges, so there is nothing to configure yet.
type BranchConfig struct{}

// MergeConfig configures a merge node. Predecessors are derived from
// incoming edges; the join waits for all of them.
type MergeConfig struct{}

func (*TriggerConfig) nodeConfig()     {}
func (*ActionConfig) nodeConfig()      {}
func (*IntegrationConfig) nodeConfig() {}
func (*AICallConfig) nodeConfig()      {}
func (*WebhookConfig) nodeConfig()     {}
func (*ConditionConfig) nodeConfig()   {}
func (*FilterConfig) nodeConfig()      {}
func (*LoopConfig) nodeConfig()        {}
func (*DelayConfig) nodeConfig()       {}
func (*TransformConfig) nodeConfig()   {}
func (*AggregateConfig) nodeConfig()   {}
func (*BranchConfig) nodeConfig()      {}
func (*MergeConfig) nodeConfig()       {}

// DecodeNodeConfig decodes a node's raw config bag into the concrete config
// type for its node type, applying type-specific validation.
func DecodeNodeConfig(nodeType NodeType, raw json.RawMessage) (NodeConfig, error) {
	decode := func(v any) error {
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, v)
	}

	switch nodeType {
	case NodeTypeTrigger:
		cfg := &TriggerConfig{}
		if err := decode(cfg); err != nil {
			return nil, configErr(nodeType, err)
		}
		return cfg, nil

	case NodeTypeAction:
		cfg := &ActionConfig{}
		if err := decode(cfg); err != nil {
			return nil, configErr(nodeType, err)
		}
		if cfg.Action == "" {
			return nil, NewError(ErrCodeValidation, "action node has no action name")
		}
		return cfg, nil

	case NodeTypeIntegration:
		cfg := &IntegrationConfig{}
		if err := decode(cfg); err != nil {
			return nil, configErr(nodeType, err)
		}
		if cfg.Capability == "" {
			return nil, NewError(ErrCodeValidation, "integration node has no capability")
		}
		return cfg, nil

	case NodeTypeAICall:
		cfg := &AICallConfig{}
		if err := decode(cfg); err != nil {
			return nil, configErr(nodeType, err)
		}
		if cfg.Prompt == "" {
			return nil, NewError(ErrCodeValidation, "ai_call node has no prompt")
		}
		return cfg, nil

	case NodeTypeWebhook:
		cfg := &WebhookConfig{}
		if err := decode(cfg); err != nil {
			return nil, configErr(nodeType, err)
		}
		if cfg.URL == "" {
			return nil, NewError(ErrCodeValidation, "webhook node has no url")
		}
		if cfg.Method == "" {
			cfg.Method = "POST"
		}
		return cfg, nil

	case NodeTypeCondition:
		cfg := &ConditionConfig{}
		if err := decode(cfg); err != nil {
			return nil, configErr(nodeType, err)
		}
		if cfg.Expression == "" {
			return nil, NewError(ErrCodeValidation, "condition node has no expression")
		}
		return cfg, nil

	case NodeTypeFilter:
		cfg := &FilterConfig{}
		if err := decode(cfg); err != nil {
			return nil, configErr(nodeType, err)
		}
		if cfg.Expression == "" {
			return nil, NewError(ErrCodeValidation, "filter node has no expression")
		}
		return cfg, nil

	case NodeTypeLoop:
		cfg := &LoopConfig{}
		if err := decode(cfg); err != nil {
			return nil, configErr(nodeType, err)
		}
		if cfg.MaxIterations < 1 {
			return nil, NewError(ErrCodeValidation, "loop node must set max_iterations >= 1")
		}
		return cfg, nil

	case NodeTypeDelay:
		cfg := &DelayConfig{}
		if err := decode(cfg); err != nil {
			return nil, configErr(nodeType, err)
		}
		if cfg.DurationMs < 0 {
			return nil, NewError(ErrCodeValidation, "delay node has negative duration")
		}
		return cfg, nil

	case NodeTypeTransform:
		cfg := &TransformConfig{}
		if err := decode(cfg); err != nil {
			return nil, configErr(nodeType, err)
		}
		if cfg.Expression == "" {
			return nil, NewError(ErrCodeValidation, "transform node has no expression")
		}
		return cfg, nil

	case NodeTypeAggregate:
		cfg := &AggregateConfig{}
		if err := decode(cfg); err != nil {
			return nil, configErr(nodeType, err)
		}
		if cfg.Expression == "" {
			return nil, NewError(ErrCodeValidation, "aggregate node has no expression")
		}
		return cfg, nil

	case NodeTypeBranch:
		return &BranchConfig{}, nil

	case NodeTypeMerge:
		return &MergeConfig{}, nil
	}

	return nil, NewErrorf(ErrCodeValidation, "unknown node type: %s", nodeType)
}

func configErr(t NodeType, err error) error {
	return NewError(ErrCodeValidation, fmt.Sprintf("%s node has invalid config: %v", t, err))
}
