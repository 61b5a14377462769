// PushPilot automation engine — restores recurring push campaigns on
// startup, fires them at their scheduled instants, and exposes the
// operator control plane.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/threadswap/pushpilot/pkg/api"
	"github.com/threadswap/pushpilot/pkg/audience"
	"github.com/threadswap/pushpilot/pkg/cadence"
	"github.com/threadswap/pushpilot/pkg/cleanup"
	"github.com/threadswap/pushpilot/pkg/config"
	"github.com/threadswap/pushpilot/pkg/database"
	"github.com/threadswap/pushpilot/pkg/events"
	"github.com/threadswap/pushpilot/pkg/executor"
	"github.com/threadswap/pushpilot/pkg/ledger"
	"github.com/threadswap/pushpilot/pkg/restore"
	"github.com/threadswap/pushpilot/pkg/scheduler"
	"github.com/threadswap/pushpilot/pkg/store"
	"github.com/threadswap/pushpilot/pkg/tokens"
	"github.com/threadswap/pushpilot/pkg/transport"
	"github.com/threadswap/pushpilot/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveInstanceID determines the engine instance identifier used in
// health, debug, and restoration records.
// Priority: POD_ID env > HOSTNAME env > random id.
func resolveInstanceID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local-" + uuid.NewString()[:8]
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	instanceID := resolveInstanceID()

	slog.Info("Starting PushPilot",
		"version", version.Full(),
		"http_port", httpPort,
		"instance_id", instanceID,
		"config_dir", *configDir)

	ctx := context.Background()
	engineCtx, cancelEngine := context.WithCancel(ctx)
	defer cancelEngine()

	// 1. Configuration. Invalid config is an unrecoverable startup
	// failure: exit non-zero.
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Execution ledger. Postgres by default; LEDGER_BACKEND=memory
	// runs without a database for local development.
	var lgr ledger.Ledger
	var dbClient *database.Client
	if getEnv("LEDGER_BACKEND", "postgres") == "memory" {
		lgr = ledger.NewMemoryLedger()
		slog.Warn("Using in-memory ledger, firing history will not survive restarts")
	} else {
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		lgr = ledger.NewPostgresLedger(dbClient.DB())
		slog.Info("Connected to PostgreSQL database")
	}

	// 3. Recipe store.
	recipeStore, err := store.New(cfg.Store.RecipeDir, cfg.Store.DeepLinkRootHost)
	if err != nil {
		slog.Error("Failed to open recipe store", "dir", cfg.Store.RecipeDir, "error", err)
		os.Exit(1)
	}

	// 4. Delivery pipeline components.
	bus := events.NewBus()
	materializer := audience.New(cfg.Audience.ScriptDir, cfg.Audience.ArtifactDir, nil, cfg.Audience.ScriptTimeout)
	gateway := cadence.NewGateway(cfg.Cadence.BaseURL, cfg.Cadence.FilterTimeout, cfg.Cadence.TrackTimeout)
	tokenClient := tokens.NewClient(cfg.Tokens.BaseURL, cfg.Tokens.Timeout)
	sender := transport.NewClient(cfg.Transport.BaseURL, cfg.Transport.Timeout)
	exec := executor.New(materializer, gateway, tokenClient, sender, bus, 0)

	// 5. Scheduler and its firing workers.
	sched := scheduler.New(instanceID, lgr, exec, recipeStore, cfg.Engine.WorkerCount)
	sched.Start(engineCtx, recipeStore.Changes())

	// 6. Startup restoration. A divergent restoration is an incident
	// surfaced through health, not a crash.
	restorer := restore.New(instanceID, recipeStore, sched, lgr)
	if record, err := restorer.Restore(ctx); err != nil {
		slog.Error("Startup restoration failed, engine running without scheduled jobs", "error", err)
	} else if record.Divergence > 0 {
		slog.Error("Startup restoration diverged",
			"expected", record.ExpectedCount, "scheduled", record.ScheduledCount)
	}

	// 7. Artifact retention.
	janitor := cleanup.NewService(cfg.Audience.ArtifactDir, cfg.Audience.ArtifactRetention, cfg.Audience.CleanupInterval)
	janitor.Start(engineCtx)
	defer janitor.Stop()

	// 8. Control plane.
	httpServer := api.NewServer(cfg, instanceID, recipeStore, sched, restorer, exec, bus, lgr, dbClient)
	httpServer.SetBaseContext(engineCtx)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("PushPilot started successfully",
		"instance_id", instanceID,
		"workers", cfg.Engine.WorkerCount)

	// 9. Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop triggering, drain in-flight firings
	// within the budget, then abort stragglers and close HTTP.
	drainCtx, cancelDrain := context.WithTimeout(ctx, cfg.Engine.GracefulShutdownTimeout)
	defer cancelDrain()
	sched.Stop(drainCtx)
	cancelEngine()

	httpShutdownCtx, cancelHTTP := context.WithTimeout(ctx, 5*time.Second)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
