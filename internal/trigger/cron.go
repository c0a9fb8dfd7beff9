package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gridflow/gridflow/internal/engine"
	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/pkg/schema"
)

// CronScheduler polls the store for due schedules and starts their graphs
// through the worker pool. One poller instance serves all tenants.
type CronScheduler struct {
	store  store.Store
	runner Runner
	pool   *engine.WorkerPool
	parser cron.Parser
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing (dedup)
}

// NewCronScheduler creates a CronScheduler.
func NewCronScheduler(st store.Store, runner Runner, pool *engine.WorkerPool, logger *slog.Logger) *CronScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CronScheduler{
		store:    st,
		runner:   runner,
		pool:     pool,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background polling loop with a 60s ticker.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("cron scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("cron scheduler started")
	return nil
}

func (s *CronScheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately so overdue schedules do not wait a
	// full interval after startup.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every due schedule that is not already in flight.
func (s *CronScheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("list due schedules", "error", err)
		return
	}

	for _, sched := range due {
		if !s.tryAcquire(sched.ID) {
			continue
		}
		sched := sched
		err := s.pool.Submit(ctx, func(ctx context.Context) error {
			defer s.release(sched.ID)
			return s.runSchedule(ctx, sched, now)
		})
		if err != nil {
			s.release(sched.ID)
			s.logger.Error("submit scheduled run",
				"schedule_id", sched.ID, "error", err)
		}
	}
}

// runSchedule starts one execution for a due schedule and advances its
// bookkeeping regardless of the run's outcome.
func (s *CronScheduler) runSchedule(ctx context.Context, sched *store.Schedule, now time.Time) error {
	var input map[string]any
	if len(sched.Input) > 0 {
		if err := json.Unmarshal(sched.Input, &input); err != nil {
			s.logger.Error("schedule input is not valid JSON",
				"tenant_id", sched.TenantID, "schedule_id", sched.ID, "error", err)
			return s.advance(ctx, sched, now)
		}
	}

	exec, err := s.runner.Start(ctx, sched.TenantID, sched.GraphID, input, schema.TriggerDescriptor{
		Type:    schema.TriggerSchedule,
		Source:  sched.ID,
		Payload: input,
	})
	if err != nil {
		s.logger.Error("scheduled execution failed to start",
			"tenant_id", sched.TenantID, "schedule_id", sched.ID,
			"graph_id", sched.GraphID, "error", err)
	} else {
		s.logger.Info("scheduled execution started",
			"tenant_id", sched.TenantID, "schedule_id", sched.ID,
			"execution_id", exec.ID)
	}
	return s.advance(ctx, sched, now)
}

func (s *CronScheduler) advance(ctx context.Context, sched *store.Schedule, now time.Time) error {
	next, err := s.NextRun(sched.CronExpr, now)
	if err != nil {
		return fmt.Errorf("compute next run for schedule %q: %w", sched.ID, err)
	}
	return s.store.UpdateScheduleRun(ctx, sched.TenantID, sched.ID, now, &next)
}

// NextRun computes the next fire time for a cron expression.
func (s *CronScheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

func (s *CronScheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *CronScheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// Stop gracefully shuts down the polling loop.
func (s *CronScheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("cron scheduler stopped")
	return nil
}
