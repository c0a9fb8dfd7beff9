// Package trigger normalizes the ways an execution can start (manual,
// webhook, agent, schedule) into coordinator starts, and hosts the cron
// poller for scheduled graphs.
package trigger

import (
	"context"
	"log/slog"

	"github.com/gridflow/gridflow/internal/engine"
	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/pkg/schema"
)

// Runner is the interface the trigger service drives executions through.
// Satisfied by the engine coordinator.
type Runner interface {
	Start(ctx context.Context, tenantID, graphID string, input map[string]any, trigger schema.TriggerDescriptor) (*store.Execution, error)
}

// Service turns external stimuli into executions. Fire-and-forget sources
// (webhooks, schedules) run through the shared worker pool so a burst of
// triggers cannot spawn unbounded concurrent runs.
type Service struct {
	runner Runner
	pool   *engine.WorkerPool
	logger *slog.Logger
}

// NewService creates a trigger Service.
func NewService(runner Runner, pool *engine.WorkerPool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{runner: runner, pool: pool, logger: logger}
}

// Manual starts an execution on behalf of a user and waits for it to reach
// a terminal or parked state.
func (s *Service) Manual(ctx context.Context, tenantID, graphID string, input map[string]any) (*store.Execution, error) {
	return s.runner.Start(ctx, tenantID, graphID, input, schema.TriggerDescriptor{
		Type:    schema.TriggerManual,
		Payload: input,
	})
}

// Agent starts an execution on behalf of an autonomous agent and waits for
// it like Manual does; the agent is recorded as the trigger source.
func (s *Service) Agent(ctx context.Context, tenantID, graphID, agentID string, payload map[string]any) (*store.Execution, error) {
	return s.runner.Start(ctx, tenantID, graphID, payload, schema.TriggerDescriptor{
		Type:    schema.TriggerAgent,
		Source:  agentID,
		Payload: payload,
	})
}

// Webhook starts an execution for an inbound webhook delivery without
// waiting for it. Submission blocks only when the pool is saturated.
func (s *Service) Webhook(ctx context.Context, tenantID, graphID, endpoint string, payload map[string]any) error {
	return s.pool.Submit(ctx, func(ctx context.Context) error {
		exec, err := s.runner.Start(ctx, tenantID, graphID, payload, schema.TriggerDescriptor{
			Type:    schema.TriggerWebhook,
			Source:  endpoint,
			Payload: payload,
		})
		if err != nil {
			s.logger.Error("webhook execution failed to start",
				"tenant_id", tenantID, "graph_id", graphID, "endpoint", endpoint, "error", err)
			return err
		}
		s.logger.Info("webhook execution started",
			"tenant_id", tenantID, "graph_id", graphID, "execution_id", exec.ID)
		return nil
	})
}
