package main

import (
	"log/slog"

	"github.com/gridflow/gridflow/internal/actions"
	"github.com/gridflow/gridflow/internal/engine"
	"github.com/gridflow/gridflow/internal/expressions"
	"github.com/gridflow/gridflow/internal/gate"
	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/internal/trigger"
	"github.com/gridflow/gridflow/pkg/schema"
)

// app is the wired engine: every component the commands need, built once.
type app struct {
	store       store.Store
	coordinator *engine.Coordinator
	flows       *trigger.Service
	cron        *trigger.CronScheduler
	pool        *engine.WorkerPool
	logger      *slog.Logger
}

func buildApp(cfg Config, st store.Store, logger *slog.Logger) (*app, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	registry := actions.NewRegistry()
	if err := registry.Register(actions.NewHTTPRequestAction(actions.HTTPConfig{})); err != nil {
		return nil, err
	}

	providers := actions.NewProviderSet()
	if err := providers.Register(actions.EchoProvider{}); err != nil {
		return nil, err
	}

	executor := engine.NewExecutor(cel, expressions.NewExprEngine(), expressions.NewJQEngine(),
		registry, providers, actions.NewHTTPCaller(actions.HTTPConfig{}), logger)
	scheduler := engine.NewScheduler(cel, logger)
	approvals := gate.New(st, logger)

	policy := schema.AutonomyPolicy{
		Level:     schema.AutonomyLevel(cfg.Autonomy),
		Threshold: schema.RiskLevel(cfg.RiskThreshold),
	}
	coordinator := engine.NewCoordinator(st, scheduler, executor, approvals, policy, logger)

	pool := engine.NewWorkerPool(cfg.PoolSize)
	flows := trigger.NewService(coordinator, pool, logger)
	cron := trigger.NewCronScheduler(st, coordinator, pool, logger)

	return &app{
		store:       st,
		coordinator: coordinator,
		flows:       flows,
		cron:        cron,
		pool:        pool,
		logger:      logger,
	}, nil
}
