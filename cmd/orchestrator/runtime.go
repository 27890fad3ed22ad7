package main

import (
	"context"
	"fmt"
	"io"

	"github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/audit"
	"github.com/goliatone/go-orchestrator/config"
	"github.com/goliatone/go-orchestrator/definition"
	"github.com/goliatone/go-orchestrator/dlq"
	"github.com/goliatone/go-orchestrator/executor"
	"github.com/goliatone/go-orchestrator/logging"
	"github.com/goliatone/go-orchestrator/metrics"
	"github.com/goliatone/go-orchestrator/store"
)

// runtime is the wired engine shared by every command.
type runtime struct {
	cfg         *config.Config
	logger      orchestrator.Logger
	store       store.Store
	handlers    *orchestrator.HandlerRegistry
	definitions *definition.Registry
	recorder    *metrics.Recorder
	executor    *executor.Executor
	dlq         *dlq.Manager
}

// openRuntime loads configuration and builds the engine. logOut overrides
// the configured log output when not nil.
func openRuntime(ctx context.Context, configPath string, logOut io.Writer) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return buildRuntime(ctx, cfg, logOut)
}

func buildRuntime(ctx context.Context, cfg *config.Config, logOut io.Writer) (*runtime, error) {
	logger, err := logging.New(cfg.Logging, logOut)
	if err != nil {
		return nil, err
	}

	defs, err := loadDefinitions(cfg.Definitions)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// pinned versions are checked against the store so an edited document
	// cannot change the graph of executions already using it
	handlers := builtinHandlers()
	definitions := definition.NewRegistry(
		definition.WithHandlerResolver(handlers),
		definition.WithPins(st),
		definition.WithLogger(logger),
	)
	if err := definition.RegisterAll(ctx, definitions, defs); err != nil {
		_ = st.Close()
		return nil, err
	}

	recorder := metrics.NewRecorder(metrics.WithNamespace(cfg.Metrics.Namespace))
	sink := audit.MultiSink{store.NewAuditSink(st), audit.NewLoggerSink(logger)}

	exec := executor.New(st, definitions, handlers,
		executor.WithLogger(logger),
		executor.WithMetrics(recorder),
		executor.WithAuditSink(sink),
		executor.WithRetryPolicy(cfg.RetryPolicy()),
		executor.WithDefaultTimeout(cfg.Execution.DefaultTimeout),
		executor.WithDeferDelay(cfg.Execution.DeferDelay),
		executor.WithLeaseGrace(cfg.Execution.LeaseGrace),
		executor.WithReapLimit(cfg.Execution.ReapLimit),
	)
	manager := dlq.NewManager(st, definitions,
		dlq.WithAuditSink(sink),
		dlq.WithLogger(logger),
	)

	logger.Debug("runtime ready: driver=%s definitions=%d handlers=%d",
		cfg.Database.Driver, len(defs), len(handlers.Refs()))

	return &runtime{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		handlers:    handlers,
		definitions: definitions,
		recorder:    recorder,
		executor:    exec,
		dlq:         manager,
	}, nil
}

func (r *runtime) worker() *executor.Worker {
	w := r.cfg.Worker
	return executor.NewWorker(r.executor,
		executor.WithWorkerID(w.ID),
		executor.WithConcurrency(w.Concurrency),
		executor.WithBatchSize(w.BatchSize),
		executor.WithLease(w.Lease),
		executor.WithPollInterval(w.PollInterval),
	)
}

func (r *runtime) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func loadDefinitions(cfg config.DefinitionsConfig) ([]*orchestrator.Definition, error) {
	var out []*orchestrator.Definition
	if cfg.Dir != "" {
		defs, err := definition.LoadDir(cfg.Dir)
		if err != nil {
			return nil, err
		}
		out = append(out, defs...)
	}
	for _, path := range cfg.Files {
		defs, err := definition.LoadFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, defs...)
	}
	return out, nil
}
