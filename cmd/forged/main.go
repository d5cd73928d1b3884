// Forged is a generation-test-fix daemon: it drives repeated
// generate-code, generate-tests, run-tests rounds against configured
// LLM providers until a project's tests pass or its budget runs out.
//
// The daemon exposes a REST API for project submission, generation
// control, status, artifacts, and cleanup, plus Prometheus metrics on
// /metrics. An optional spec inbox watches a directory for dropped
// YAML specifications, and an optional NATS publisher broadcasts
// status updates.
//
// Configuration is layered: defaults, then ~/.config/forged/config.yaml,
// then FORGED_-prefixed environment variables. Provider API keys come
// only from OPENAI_API_KEY, ANTHROPIC_API_KEY, and DEEPSEEK_API_KEY.
//
// Usage:
//
//	# Start the daemon with defaults
//	forged
//
//	# Start with an explicit config file
//	forged -config /etc/forged/config.yaml
//
//	# Show version information
//	forged version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	stdhttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/config"
	httpapi "github.com/fyrsmithlabs/forged/internal/http"
	"github.com/fyrsmithlabs/forged/internal/inbox"
	"github.com/fyrsmithlabs/forged/internal/lease"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/merge"
	"github.com/fyrsmithlabs/forged/internal/orchestrator"
	"github.com/fyrsmithlabs/forged/internal/provider"
	"github.com/fyrsmithlabs/forged/internal/runner"
	"github.com/fyrsmithlabs/forged/internal/status"
	"github.com/fyrsmithlabs/forged/internal/store"
	"github.com/fyrsmithlabs/forged/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the config file (default ~/.config/forged/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  forged            Start the forged daemon\n")
			fmt.Fprintf(os.Stderr, "  forged version    Show version information\n")
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
		log.Fatalf("forged: %v", err)
	}

	log.Println("Shutdown complete")
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("forged by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the forged daemon and blocks until the context is
// cancelled or the HTTP server fails.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Telemetry, then the logger (the OTel log bridge needs the
//     telemetry provider)
//  3. Store, provider registry, runner, leases, merge, status publisher
//  4. Orchestrator service
//  5. HTTP server with the metrics endpoint, plus the spec inbox
//
// Deferred cleanup runs in reverse, so the inbox and orchestrator stop
// before the store and telemetry go away.
func run(ctx context.Context, configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Telemetry.Shutdown.Timeout)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := logging.NewLogger(cfg.Logging, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "starting forged",
		zap.String("version", version),
		zap.String("commit", gitCommit),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	st, err := store.Open(cfg.Store, logger.Underlying())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	providers, err := provider.BuildRegistry(cfg.Providers.Configs(), logger)
	if err != nil {
		return fmt.Errorf("build provider registry: %w", err)
	}
	if names := providers.Names(); len(names) == 0 {
		logger.Warn(ctx, "no llm providers registered, generation requests will be rejected",
			zap.String("hint", "set OPENAI_API_KEY, ANTHROPIC_API_KEY, or DEEPSEEK_API_KEY"))
	} else {
		logger.Info(ctx, "llm providers registered", zap.Strings("providers", names))
	}

	leases := lease.NewManager()

	merger, err := merge.NewService(st, leases, logger)
	if err != nil {
		return fmt.Errorf("initialize merge service: %w", err)
	}

	publisher, err := status.New(cfg.Status, logger)
	if err != nil {
		return fmt.Errorf("initialize status publisher: %w", err)
	}
	defer func() { _ = publisher.Close() }()

	svc, err := orchestrator.NewService(cfg.Orchestrator, orchestrator.Deps{
		Store:     st,
		Leases:    leases,
		Providers: providers,
		Runner:    runner.NewLocal(cfg.Runner, logger),
		Merger:    merger,
		Publisher: publisher,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}
	defer func() { _ = svc.Close() }()

	srv, err := httpapi.NewServer(svc, merger, logger, &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("initialize http server: %w", err)
	}
	srv.Echo().GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	watcher, err := inbox.New(cfg.Inbox, svc, logger)
	if err != nil {
		return fmt.Errorf("initialize spec inbox: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("start spec inbox: %w", err)
	}
	defer watcher.Stop()

	logger.Info(ctx, "forged ready",
		zap.String("api", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics", "/metrics"),
		zap.Bool("inbox", cfg.Inbox.Dir != ""),
		zap.Bool("status_publishing", cfg.Status.Enabled),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		// Fail the readiness probe first so load balancers stop
		// routing before the listener drains.
		srv.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		// Drain the server goroutine; Shutdown makes Start return
		// http.ErrServerClosed.
		if err := <-errCh; err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return err
		}
		return nil

	case err := <-errCh:
		if err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}
