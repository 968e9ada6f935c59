package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mofsci/internal/agents"
	"github.com/fyrsmithlabs/mofsci/internal/config"
	"github.com/fyrsmithlabs/mofsci/internal/events"
	"github.com/fyrsmithlabs/mofsci/internal/logging"
	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
	"github.com/fyrsmithlabs/mofsci/internal/runstore"
	"github.com/fyrsmithlabs/mofsci/internal/secrets"
	"github.com/fyrsmithlabs/mofsci/internal/services"
	"github.com/fyrsmithlabs/mofsci/internal/telemetry"
	"github.com/fyrsmithlabs/mofsci/internal/tools"
)

const tracerName = "github.com/fyrsmithlabs/mofsci/internal/orchestrator"

// dependencies holds everything the HTTP server needs.
type dependencies struct {
	store   *runstore.Store
	broker  *events.Broker
	manager *services.Manager
	logger  *logging.Logger
}

// Close waits for background runs, then releases the store and the broker.
func (d *dependencies) Close(ctx context.Context) error {
	var errs []error
	if d.manager != nil {
		errs = append(errs, d.manager.Shutdown(ctx))
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	d.broker.Close()
	return errors.Join(errs...)
}

// initDependencies builds the run pipeline.
//
// This function:
//  1. Builds the registry of scientific operations
//  2. Opens the run store (store.path, empty disables it)
//  3. Connects to NATS and creates the trace publisher (when configured)
//     Both sinks see run records only after credential scrubbing
//  4. Picks LLM-backed or deterministic agents
//  5. Creates the executor and the run manager
func initDependencies(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, logger *logging.Logger) (_ *dependencies, err error) {
	deps := &dependencies{logger: logger}
	defer func() {
		if err != nil {
			_ = deps.Close(context.Background())
		}
	}()

	reg, err := tools.NewRegistry(tools.ConfigFrom(cfg.Tools), logger.Underlying().Named("tools"))
	if err != nil {
		return nil, fmt.Errorf("failed to build operation registry: %w", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithConfig(orchestrator.ConfigFrom(cfg.Orchestrator)),
		orchestrator.WithLogger(logger),
		orchestrator.WithTracer(tel.Tracer(tracerName)),
	}

	scrubber, err := secrets.New(cfg.Redaction)
	if err != nil {
		return nil, fmt.Errorf("failed to create scrubber: %w", err)
	}

	if cfg.Store.Path != "" {
		store, err := runstore.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open run store: %w", err)
		}
		deps.store = store
		opts = append(opts, orchestrator.WithTraceSink(secrets.WrapSink(store, scrubber)))
		logger.Info(ctx, "Run store opened", zap.String("path", cfg.Store.Path))
	}

	if cfg.NATS.Enabled() {
		broker, err := events.Connect(cfg.NATS, logger.Underlying().Named("events"))
		if err != nil {
			return nil, err
		}
		deps.broker = broker
		pub, err := events.NewPublisher(broker.Conn, cfg.NATS.SubjectPrefix, logger.Underlying().Named("events"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, orchestrator.WithTraceSink(secrets.WrapSink(pub, scrubber)))
	}

	roles, err := agents.RolesFromConfig(cfg.LLM, tools.KeywordRules(), nil, logger.Named("agents"))
	if err != nil {
		return nil, fmt.Errorf("failed to create agents: %w", err)
	}
	logger.Info(ctx, "Agents initialized",
		zap.String("provider", cfg.LLM.Provider),
		zap.String("model", roles.Model))

	exec, err := orchestrator.NewExecutor(reg, roles.Proposer, roles.Reviewer, roles.Reporter, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	mopts := services.Options{
		Runner:        exec,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		Logger:        logger,
	}
	if deps.store != nil {
		mopts.Store = deps.store
	}
	if deps.broker != nil {
		mopts.NATS = deps.broker.Conn
	}
	deps.manager, err = services.NewManager(mopts)
	if err != nil {
		return nil, err
	}
	return deps, nil
}
