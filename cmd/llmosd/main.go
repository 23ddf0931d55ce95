// llmosd — local bridge daemon exposing structured plan execution to
// LLM clients over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/llmos-dev/llmos-bridge/pkg/api"
	"github.com/llmos-dev/llmos-bridge/pkg/approval"
	"github.com/llmos-dev/llmos-bridge/pkg/config"
	"github.com/llmos-dev/llmos-bridge/pkg/events"
	"github.com/llmos-dev/llmos-bridge/pkg/memory"
	"github.com/llmos-dev/llmos-bridge/pkg/modules"
	"github.com/llmos-dev/llmos-bridge/pkg/orchestration"
	"github.com/llmos-dev/llmos-bridge/pkg/security"
	"github.com/llmos-dev/llmos-bridge/pkg/state"
	"github.com/llmos-dev/llmos-bridge/pkg/triggers"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// setupLogging replaces the default slog logger per the config.
func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// moduleWanted applies the enabled/disabled lists to a builtin module.
func moduleWanted(cfg config.ModulesConfig, id string) bool {
	if slices.Contains(cfg.Disabled, id) {
		return false
	}
	if len(cfg.Enabled) > 0 && !slices.Contains(cfg.Enabled, id) {
		return false
	}
	return true
}

func main() {
	configPath := flag.String("config",
		getEnv("LLMOSD_CONFIG", "llmosd.yaml"),
		"Path to the daemon configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Logging)
	logger := slog.Default()

	logger.Info("Starting llmosd",
		"version", api.Version,
		"profile", cfg.Security.Profile,
		"config", *configPath)

	// 2. State store (runs embedded migrations)
	db, err := state.Open(cfg.Security.StatePath)
	if err != nil {
		logger.Error("Failed to open state store", "path", cfg.Security.StatePath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Error closing state store", "error", err)
		}
	}()
	store := state.NewStore(db)

	// 3. Orphan recovery: plans left non-terminal by a previous crash
	recovered, err := store.RecoverOrphans(ctx)
	if err != nil {
		logger.Error("Orphan recovery failed", "error", err)
		// Non-fatal, the daemon can still serve new plans
	} else if recovered > 0 {
		logger.Warn("Recovered orphaned plans from previous run", "count", recovered)
	}

	// 4. Event bus
	var bus events.Bus = events.NullBus{}
	if cfg.Logging.EventsFile != "" {
		logBus := events.NewLogBus(cfg.Logging.EventsFile)
		defer func() {
			if err := logBus.Close(); err != nil {
				logger.Error("Error closing event log", "error", err)
			}
		}()
		bus = logBus
		logger.Info("Event log enabled", "path", cfg.Logging.EventsFile)
	}

	// 5. Memory store
	var memStore memory.Store
	switch cfg.Memory.Backend {
	case "redis":
		memStore, err = memory.NewRedisStore(ctx, cfg.Memory.RedisAddr, "", cfg.Memory.RedisDB)
	default:
		memStore, err = memory.NewSQLiteStore(cfg.Memory.Path)
	}
	if err != nil {
		logger.Error("Failed to open memory store", "backend", cfg.Memory.Backend, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := memStore.Close(); err != nil {
			logger.Error("Error closing memory store", "error", err)
		}
	}()

	// 6. Security stack
	profileConfig := security.GetProfileConfig(cfg.Profile())
	guard := security.NewGuard(profileConfig, cfg.Security.SandboxPaths, cfg.Security.RequireApprovalFor)
	limiter := security.NewRateLimiter(profileConfig.CallsPerMinute, profileConfig.CallsPerHour)
	sanitizer := security.NewSanitizer()

	var pipeline *security.Pipeline
	if cfg.Security.ScannersOn() {
		scanners := security.NewScannerRegistry()
		scanners.Register(security.NewHeuristicScanner())
		pipeline = security.NewPipeline(scanners, logger, security.DefaultPipelineOptions())
		logger.Info("Input scanner pipeline enabled")
	}

	// 7. Module registry and builtins
	registry := modules.NewRegistry(logger)
	if moduleWanted(cfg.Modules, "memory") {
		if err := registry.RegisterInstance(modules.NewMemoryModule(memStore)); err != nil {
			logger.Error("Failed to register memory module", "error", err)
			os.Exit(1)
		}
	}
	if moduleWanted(cfg.Modules, "clock") {
		if err := registry.RegisterInstance(modules.NewClockModule()); err != nil {
			logger.Error("Failed to register clock module", "error", err)
			os.Exit(1)
		}
	}
	nodes := modules.NewNodeRegistry(modules.NewLocalNode(registry))
	logger.Info("Modules registered", "available", len(registry.ListAvailable()))

	// 8. Approval gate and executor
	gate := approval.NewGate(cfg.Security.ApprovalTimeout,
		approval.TimeoutBehavior(cfg.Security.ApprovalOnTimeout))

	executor := orchestration.NewExecutor(orchestration.Deps{
		Store:     store,
		Bus:       bus,
		Guard:     guard,
		Pipeline:  pipeline,
		Limiter:   limiter,
		Sanitizer: sanitizer,
		Gate:      gate,
		Registry:  registry,
		Nodes:     nodes,
		Memory:    memStore,
		Resources: orchestration.NewResourceManager(cfg.Security.ModuleLimits, cfg.Security.DefaultModuleLimit),
		Logger:    logger,
	}, orchestration.Config{
		ApprovalTimeout: cfg.Security.ApprovalTimeout,
		MaxResultBytes:  cfg.Security.MaxResultBytes,
	})

	// 9. Trigger daemon (optional)
	var daemon *triggers.Daemon
	if cfg.Triggers.TriggersOn() {
		tstore, err := triggers.NewStore(cfg.Triggers.DBPath)
		if err != nil {
			logger.Error("Failed to open trigger store", "path", cfg.Triggers.DBPath, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := tstore.Close(); err != nil {
				logger.Error("Error closing trigger store", "error", err)
			}
		}()

		daemon = triggers.NewDaemon(triggers.Deps{
			Store:  tstore,
			Bus:    bus,
			Runner: executor,
			Logger: logger,
		}, triggers.Options{
			MaxConcurrent: cfg.Triggers.MaxConcurrent,
			EnabledTypes:  cfg.Triggers.EnabledTypes,
		})
		if err := daemon.Start(ctx); err != nil {
			logger.Error("Failed to start trigger daemon", "error", err)
			os.Exit(1)
		}
		logger.Info("Trigger daemon started", "max_concurrent", cfg.Triggers.MaxConcurrent)
	}

	// 10. HTTP server
	server := api.NewServer(api.Deps{
		Store:    store,
		Executor: executor,
		Gate:     gate,
		Registry: registry,
		Guard:    guard,
		Pipeline: pipeline,
		Triggers: daemon,
		Logger:   logger,
	}, api.Options{
		AuthToken:   cfg.Server.AuthToken,
		SyncTimeout: cfg.Server.SyncTimeout,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		logger.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop firing triggers first so no new plans
	// start, then drain the HTTP server
	if daemon != nil {
		done := make(chan struct{})
		go func() {
			daemon.Stop()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("Trigger daemon stopped")
		case <-time.After(10 * time.Second):
			logger.Warn("Trigger daemon shutdown timeout exceeded")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
}
