// Agent Spy trace backend — ingests agent traces over LangSmith REST and
// OTLP, serves the dashboard query API, and streams events over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentspy-io/agentspy/pkg/api"
	"github.com/agentspy-io/agentspy/pkg/cache"
	"github.com/agentspy-io/agentspy/pkg/config"
	"github.com/agentspy-io/agentspy/pkg/database"
	"github.com/agentspy-io/agentspy/pkg/events"
	"github.com/agentspy-io/agentspy/pkg/otlp"
	"github.com/agentspy-io/agentspy/pkg/services"
	"github.com/agentspy-io/agentspy/pkg/session"
	"github.com/agentspy-io/agentspy/pkg/storage"
	"github.com/agentspy-io/agentspy/pkg/version"
	"github.com/joho/godotenv"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

const shutdownTimeout = 5 * time.Second

func main() {
	// Load .env before the config snapshot so its values count as environment.
	envPath := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	// 1. Build configuration: defaults < environment < flags.
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(2)
	}
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	// 2. Install the process logger.
	slog.SetDefault(cfg.NewLogger(os.Stderr))

	slog.Info("Starting Agent Spy",
		"version", version.Full(),
		"http_addr", cfg.HTTPAddr(),
		"otlp_grpc_enabled", cfg.OTLPGRPCEnabled)

	ctx := context.Background()

	// 3. Connect to PostgreSQL; NewClient pings and applies migrations.
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 4. Event hub for WebSocket fan-out.
	hub := events.NewHub(cfg.WSBufferSize)

	// 5. Stores and domain services.
	runStore := storage.NewRunStore(dbClient.DB())
	feedbackStore := storage.NewFeedbackStore(dbClient.DB())
	statsCache := cache.NewMemoryCache()
	runService := services.NewRunService(runStore, hub, statsCache, cfg)
	feedbackService := services.NewFeedbackService(feedbackStore)
	slog.Info("Services initialized")

	// 6. Background stats broadcaster.
	broadcaster := services.NewStatsBroadcaster(runService, hub, cfg.StatsInterval)
	broadcaster.Start(ctx)

	// 7. OTLP receiver: gRPC on its own port, HTTP mounted on the API server.
	receiver := otlp.NewReceiver(runService, cfg)
	if err := receiver.StartGRPC(); err != nil {
		slog.Error("Failed to start OTLP gRPC receiver", "error", err)
		os.Exit(1)
	}

	// 8. HTTP server: REST + OTLP/HTTP + WebSocket + dashboard assets.
	httpServer := api.NewServer(cfg, dbClient, runService, feedbackService,
		hub, session.NewMemoryStore())
	httpServer.SetOTLPHandler(receiver)
	httpServer.SetDashboardDir(getEnv("DASHBOARD_DIR", "./web/dist"))

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.HTTPAddr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Agent Spy started successfully")

	// 9. Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var serverFailed bool
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
		serverFailed = true
	}

	// 10. Graceful shutdown: quiesce producers, drain the HTTP server,
	// then tear down subscribers.
	broadcaster.Stop()
	receiver.Stop()

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, shutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	hub.Close()

	slog.Info("Shutdown complete")

	if serverFailed {
		// Deferred closes do not run past os.Exit; release the pool here.
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
		os.Exit(1)
	}
}
