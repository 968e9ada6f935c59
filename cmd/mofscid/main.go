// Mofscid serves MOF workflow runs over HTTP.
//
// This binary wires the scientific operations, the planning agents, the run
// store and trace streaming into the orchestrator and exposes it through the
// runs API.
//
// Configuration is read from ~/.config/mofsci/config.yaml (or --config) and
// MOFSCI_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start server with defaults (no LLM: keyword planning, rule review)
//	mofscid
//
//	# Configure via environment
//	MOFSCI_LLM_PROVIDER=openai MOFSCI_LLM_MODEL=gpt-4o-mini MOFSCI_LLM_API_KEY=... mofscid
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mofsci/internal/config"
	httpserver "github.com/fyrsmithlabs/mofsci/internal/http"
	"github.com/fyrsmithlabs/mofsci/internal/logging"
	"github.com/fyrsmithlabs/mofsci/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/mofsci/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  mofscid [--config path]   Start the mofsci daemon\n")
			fmt.Fprintf(os.Stderr, "  mofscid version           Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("mofscid by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled or the HTTP
// server fails.
//
// This function:
//  1. Loads and validates configuration
//  2. Initializes telemetry and the logger
//  3. Opens the run store and connects to NATS when configured
//  4. Builds the operation registry, the agents and the executor
//  5. Serves the runs API
//  6. Shuts everything down within server.shutdown_timeout
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.FromAppConfig(cfg.Logging, tel.LoggerProvider() != nil)
	if err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info(ctx, "Starting mofscid",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	deps, err := initDependencies(ctx, cfg, tel, logger)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}

	srv, err := httpserver.NewServer(deps.manager, logger.Underlying(), &httpserver.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		MetricsHandler: promhttp.Handler(),
	})
	if err != nil {
		_ = deps.Close(context.Background())
		_ = tel.Shutdown(context.Background())
		return fmt.Errorf("failed to create http server: %w", err)
	}

	logger.Info(ctx, "Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("runs_endpoint", "/api/v1/runs"),
		zap.String("metrics_endpoint", "/metrics"),
		zap.Bool("run_store", deps.store != nil),
		zap.Bool("trace_streaming", deps.broker != nil))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting requests, then let background runs record their outcome
	// before the sinks they write to are closed.
	return errors.Join(
		serveErr,
		srv.Shutdown(shutdownCtx),
		deps.Close(shutdownCtx),
		tel.Shutdown(shutdownCtx),
	)
}
