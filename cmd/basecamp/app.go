package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"basecamp/internal/adapter/agentstore"
	"basecamp/internal/adapter/channel"
	"basecamp/internal/adapter/embedding"
	"basecamp/internal/adapter/evallog"
	"basecamp/internal/adapter/llm"
	"basecamp/internal/adapter/retrieval"
	"basecamp/internal/infra/config"
	"basecamp/internal/infra/database"
	"basecamp/internal/infra/logger"
	"basecamp/internal/infra/metrics"
	"basecamp/internal/usecase/scheduling"
	"basecamp/internal/usecase/supervisor"
)

// app holds the wired components of a running server.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	db        *sql.DB
	registry  *supervisor.Registry
	server    *channel.Server
	scheduler *scheduling.Scheduler
	llms      *llm.Providers
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	db, err := database.Open(ctx, cfg.Storage.Path, logger.Component(log, "database"))
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()

	llms, err := llm.Build(cfg.LLM, cfg.Supervisor.CallTimeout, logger.Component(log, "llm"), m)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	provider := llms.Turn()
	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}

	passages := retrieval.New(db, embedder, logger.Component(log, "retrieval"), m, retrieval.Options{
		MMRDiversity:  cfg.Storage.MMRDiversity,
		IncludeGlobal: cfg.Storage.IncludeGlobalPassages,
	})
	evalLog := evallog.New(db)

	supLog := logger.Component(log, "supervisor")
	registry := supervisor.NewRegistry(agentstore.New(db), supLog)
	if err := registry.Load(ctx); err != nil {
		return nil, err
	}
	if cfg.Supervisor.SeedDefaults {
		if err := supervisor.Seed(ctx, registry); err != nil {
			return nil, err
		}
	}
	registry.Seal()

	sc := cfg.Supervisor
	sessions := supervisor.NewSessionStore(sc.SessionTTL, supLog)
	sup := supervisor.New(supervisor.Deps{
		Registry: registry,
		Builder: supervisor.NewChainBuilder(registry, provider, passages, supervisor.BuilderOptions{
			HistoryWindow:   sc.HistoryWindow,
			RetrievalTopK:   sc.RetrievalTopK,
			OrgContextAgent: sc.OrgContextAgent,
		}, supLog),
		Evaluator: supervisor.NewEvaluator(passages, embedder, supervisor.EvaluatorOptions{
			TopK:          sc.EvalTopK,
			CallTimeout:   sc.CallTimeout,
			MaxConcurrent: sc.MaxConcurrentEvals,
		}, m, supLog),
		Gate: supervisor.NewClarificationGate(provider, registry, supervisor.ClarifierOptions{
			Window:      sc.ClassifierWindow,
			Temperature: sc.ClarifierTemperature,
			CallTimeout: sc.CallTimeout,
		}, supLog),
		Synthesiser: supervisor.NewSynthesiser(provider, ""),
		Sessions:    sessions,
		EvalLog:     evalLog,
		Metrics:     m,
		Logger:      supLog,
	}, supervisor.Options{
		Threshold:     sc.RelevanceThreshold,
		FallbackAgent: sc.FallbackAgent,
	})

	metricsPath := ""
	if m != nil {
		metricsPath = cfg.Metrics.Path
	}
	server := channel.New(cfg.HTTP, metricsPath, channel.Deps{
		Turns:    sup,
		Agents:   registry,
		Passages: passages,
		Sessions: sessions,
		EvalLog:  evalLog,
		Metrics:  m,
		Logger:   logger.Component(log, "http"),
	})

	a := &app{cfg: cfg, log: log, db: db, registry: registry, server: server, llms: llms}

	if cfg.Scheduler.Enabled {
		schedLog := logger.Component(log, "scheduler")
		a.scheduler = scheduling.NewScheduler(schedLog, m)
		maint := scheduling.Maintenance{
			Sessions:  sessions,
			EvalLog:   evalLog,
			Retention: cfg.Scheduler.EvalLogRetention,
			Metrics:   m,
			Logger:    schedLog,
		}
		if err := maint.Register(a.scheduler, cfg.Scheduler); err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
	}
	return a, nil
}

func (a *app) start(ctx context.Context) error {
	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}
	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	go a.llms.Warmup(ctx)
	return nil
}

func (a *app) stop(ctx context.Context) error {
	var errs []error
	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.log.Error("close database", "error", err)
	}
}
