package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gridflow/gridflow/internal/actions"
	"github.com/gridflow/gridflow/internal/expressions"
	"github.com/gridflow/gridflow/internal/graph"
	"github.com/gridflow/gridflow/pkg/schema"
)

// StepOutcome is the terminal result of executing one node, including the
// routing handle the node chose and per-attempt accounting.
type StepOutcome struct {
	Status     schema.StepStatus
	Handle     string
	Output     map[string]any
	Err        *schema.FlowError
	Attempts   int
	Logs       []string
	DurationMs int64
}

// Executor runs a single node against a read-only context snapshot. It owns
// the per-attempt timeout and the retry loop; routing is the scheduler's
// job and persistence the coordinator's.
type Executor struct {
	cel       *expressions.CELEngine
	expr      *expressions.ExprEngine
	jq        *expressions.JQEngine
	registry  *actions.Registry
	providers *actions.ProviderSet
	http      *actions.HTTPCaller
	logger    *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cel *expressions.CELEngine, expr *expressions.ExprEngine, jq *expressions.JQEngine,
	registry *actions.Registry, providers *actions.ProviderSet, http *actions.HTTPCaller, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cel:       cel,
		expr:      expr,
		jq:        jq,
		registry:  registry,
		providers: providers,
		http:      http,
		logger:    logger,
	}
}

// Execute runs the node to a terminal outcome. Transient failures are
// retried per the node's retry policy with linear backoff; every attempt
// runs under the node's own timeout. The outcome is never an error return:
// all failures are folded into the StepOutcome.
func (x *Executor) Execute(ctx context.Context, tenantID string, node *graph.Node, snapshot map[string]any) StepOutcome {
	maxAttempts := 1
	policy := node.Def.Retry
	if policy != nil && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}

	start := time.Now()
	var logs []string
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, handle, err := x.executeAttempt(ctx, tenantID, node, snapshot)
		if err == nil {
			return StepOutcome{
				Status:     schema.StepStatusSuccess,
				Handle:     handle,
				Output:     output,
				Attempts:   attempt,
				Logs:       logs,
				DurationMs: time.Since(start).Milliseconds(),
			}
		}
		lastErr = err

		if !IsTransient(err) || attempt == maxAttempts {
			logs = append(logs, fmt.Sprintf("attempt %d/%d failed: %v", attempt, maxAttempts, err))
			return StepOutcome{
				Status:     schema.StepStatusError,
				Err:        asFlowError(err, node.ID()),
				Attempts:   attempt,
				Logs:       logs,
				DurationMs: time.Since(start).Milliseconds(),
			}
		}

		logs = append(logs, fmt.Sprintf("attempt %d/%d failed (transient): %v", attempt, maxAttempts, err))
		x.logger.Warn("node attempt failed, retrying",
			"node_id", node.ID(), "attempt", attempt, "max_attempts", maxAttempts, "error", err)

		if werr := WaitForBackoff(ctx, policy, attempt); werr != nil {
			return StepOutcome{
				Status:     schema.StepStatusError,
				Err:        schema.NewError(schema.ErrCodeCancelled, "cancelled during retry backoff").WithNode(node.ID()).WithCause(werr),
				Attempts:   attempt,
				Logs:       logs,
				DurationMs: time.Since(start).Milliseconds(),
			}
		}
	}

	// Unreachable; the loop always returns. Kept for the compiler.
	return StepOutcome{
		Status:     schema.StepStatusError,
		Err:        asFlowError(lastErr, node.ID()),
		Attempts:   maxAttempts,
		Logs:       logs,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// executeAttempt runs one attempt under the node's timeout.
func (x *Executor) executeAttempt(ctx context.Context, tenantID string, node *graph.Node, snapshot map[string]any) (map[string]any, string, error) {
	timeoutSec := node.Def.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = schema.DefaultNodeTimeoutSec
	}
	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	output, handle, err := x.dispatch(attemptCtx, tenantID, node, snapshot)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = schema.NewErrorf(schema.ErrCodeTimeout, "node timed out after %ds", timeoutSec).
			WithNode(node.ID()).WithCause(err)
	}
	return output, handle, err
}

// dispatch is the exhaustive switch over the node config union.
func (x *Executor) dispatch(ctx context.Context, tenantID string, node *graph.Node, snapshot map[string]any) (map[string]any, string, error) {
	switch cfg := node.Config.(type) {
	case *schema.TriggerConfig:
		return x.runTrigger(cfg, snapshot)

	case *schema.ActionConfig:
		return x.runAction(ctx, tenantID, node, cfg.Action, cfg.Params, snapshot)

	case *schema.IntegrationConfig:
		return x.runAction(ctx, tenantID, node, cfg.Capability, cfg.Params, snapshot)

	case *schema.AICallConfig:
		return x.runAICall(ctx, cfg, snapshot)

	case *schema.WebhookConfig:
		result, err := x.http.Do(ctx, cfg, cfg.Body)
		if err != nil {
			return nil, "", err
		}
		return map[string]any{
			"status_code": result.StatusCode,
			"body":        result.Body,
			"duration_ms": result.DurationMs,
		}, "", nil

	case *schema.ConditionConfig:
		out, err := x.cel.Evaluate(ctx, cfg.Expression, snapshot)
		if err != nil {
			return nil, "", err
		}
		b, ok := out.(bool)
		if !ok {
			return nil, "", schema.NewErrorf(schema.ErrCodePermanentNode,
				"condition expression %q returned %T, want bool", cfg.Expression, out)
		}
		handle := schema.HandleFalse
		if b {
			handle = schema.HandleTrue
		}
		return map[string]any{"result": b}, handle, nil

	case *schema.FilterConfig:
		out, err := x.expr.Evaluate(ctx, cfg.Expression, snapshot)
		if err != nil {
			return nil, "", err
		}
		pass := isTruthy(out)
		handle := schema.HandleDrop
		if pass {
			handle = schema.HandlePass
		}
		return map[string]any{"pass": pass}, handle, nil

	case *schema.LoopConfig:
		// Control node: iteration routing happens in the scheduler.
		return nil, "", nil

	case *schema.DelayConfig:
		timer := time.NewTimer(time.Duration(cfg.DurationMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
			return map[string]any{"delayed_ms": cfg.DurationMs}, "", nil
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}

	case *schema.TransformConfig:
		out, err := x.jq.Evaluate(ctx, cfg.Expression, snapshot)
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"result": out}, "", nil

	case *schema.AggregateConfig:
		out, err := x.jq.Evaluate(ctx, cfg.Expression, snapshot)
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"result": out}, "", nil

	case *schema.BranchConfig, *schema.MergeConfig:
		// Pure control nodes.
		return nil, "", nil
	}

	return nil, "", schema.NewErrorf(schema.ErrCodePermanentNode,
		"no executor for node type %s", node.Type()).WithNode(node.ID())
}

func (x *Executor) runTrigger(cfg *schema.TriggerConfig, snapshot map[string]any) (map[string]any, string, error) {
	trigger, _ := snapshot[expressions.ScopeTrigger].(map[string]any)
	if len(cfg.Accept) > 0 {
		got, _ := trigger["type"].(string)
		accepted := false
		for _, t := range cfg.Accept {
			if string(t) == got {
				accepted = true
				break
			}
		}
		if !accepted {
			return nil, "", schema.NewErrorf(schema.ErrCodePermanentNode,
				"trigger type %q not accepted by this graph", got)
		}
	}
	payload, _ := trigger["payload"].(map[string]any)
	return payload, "", nil
}

func (x *Executor) runAction(ctx context.Context, tenantID string, node *graph.Node, name string, params map[string]any, snapshot map[string]any) (map[string]any, string, error) {
	action, err := x.registry.Get(name)
	if err != nil {
		return nil, "", err
	}
	out, err := action.Execute(ctx, actions.ActionInput{
		TenantID: tenantID,
		AgentID:  node.Def.AgentID,
		Params:   interpolateMap(params, snapshot),
		Context:  snapshot,
	})
	if err != nil {
		return nil, "", err
	}
	result := map[string]any{}
	if len(out.Data) > 0 {
		var decoded any
		if jerr := json.Unmarshal(out.Data, &decoded); jerr == nil {
			if m, ok := decoded.(map[string]any); ok {
				result = m
			} else {
				result["result"] = decoded
			}
		}
	}
	return result, "", nil
}

func (x *Executor) runAICall(ctx context.Context, cfg *schema.AICallConfig, snapshot map[string]any) (map[string]any, string, error) {
	provider, err := x.providers.Get(cfg.Provider)
	if err != nil {
		return nil, "", err
	}
	resp, err := provider.Complete(ctx, actions.AIRequest{
		Model:       cfg.Model,
		Prompt:      interpolate(cfg.Prompt, snapshot),
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})
	if err != nil {
		return nil, "", err
	}
	return map[string]any{
		"text":          resp.Text,
		"model":         resp.Model,
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	}, "", nil
}

func asFlowError(err error, nodeID string) *schema.FlowError {
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		if flowErr.NodeID == "" {
			flowErr.NodeID = nodeID
		}
		return flowErr
	}
	code := schema.ErrCodePermanentNode
	if IsTransient(err) {
		code = schema.ErrCodeTransientNode
	}
	return schema.NewError(code, err.Error()).WithNode(nodeID).WithCause(err)
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

// interpolate substitutes {{path}} placeholders with values looked up in
// the snapshot by dot path. Unresolvable placeholders are left as-is.
func interpolate(s string, snapshot map[string]any) string {
	for {
		open := strings.Index(s, "{{")
		if open < 0 {
			return s
		}
		end := strings.Index(s[open:], "}}")
		if end < 0 {
			return s
		}
		end += open
		path := strings.TrimSpace(s[open+2 : end])
		val, found := lookupPath(snapshot, path)
		if !found {
			// Skip past this placeholder, leaving it untouched.
			head, tail := s[:end+2], interpolate(s[end+2:], snapshot)
			return head + tail
		}
		s = s[:open] + fmt.Sprintf("%v", val) + s[end+2:]
	}
}

// interpolateMap applies string interpolation to every string value of a
// params bag, one level of nesting deep enough for real configs.
func interpolateMap(params map[string]any, snapshot map[string]any) map[string]any {
	if len(params) == 0 {
		return params
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch t := v.(type) {
		case string:
			out[k] = interpolate(t, snapshot)
		case map[string]any:
			out[k] = interpolateMap(t, snapshot)
		default:
			out[k] = v
		}
	}
	return out
}
