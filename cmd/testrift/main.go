// TestRift server — ingests test-runner telemetry over WebSocket, stores it
// in the per-run log store plus the SQLite index, and serves live fan-out
// and historical queries.
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

	"github.com/joho/godotenv"

	"github.com/testrift/testrift/pkg/api"
	"github.com/testrift/testrift/pkg/cleanup"
	"github.com/testrift/testrift/pkg/config"
	"github.com/testrift/testrift/pkg/database"
	"github.com/testrift/testrift/pkg/events"
	"github.com/testrift/testrift/pkg/logstore"
	"github.com/testrift/testrift/pkg/runstate"
	"github.com/testrift/testrift/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configPath := flag.String("config",
		getEnv("TESTRIFT_CONFIG", "testrift.yaml"),
		"Path to configuration file")
	flag.Parse()

	// Load .env from the working directory; absent is fine.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	slog.Info("Starting TestRift", "version", version.Full(), "config", *configPath)

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Open the disk log store
	logStore, err := logstore.NewStore(cfg.Data.Dir)
	if err != nil {
		slog.Error("Failed to open data directory", "dir", cfg.Data.Dir, "error", err)
		os.Exit(1)
	}

	// 3. Open the relational index
	dbPath := filepath.Join(cfg.Data.Dir, cfg.Data.DatabaseFile)
	dbClient, err := database.NewClient(ctx, dbPath)
	if err != nil {
		slog.Error("Failed to open index database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing index database", "error", err)
		}
	}()
	slog.Info("Index database ready", "path", dbPath)

	// 4. One-time startup sweep of runs a previous process left behind,
	// before any sessions are accepted.
	if err := cleanup.SweepAbandonedRuns(ctx, dbClient); err != nil {
		slog.Error("Failed to sweep abandoned runs", "error", err)
		// Non-fatal — continue
	}

	// 5. In-memory state and fan-out plane
	runs := runstate.NewStore()
	broadcaster := events.NewBroadcaster(cfg.Ingest.WriteTimeout)

	// 6. Retention sweep service
	cleanupService := cleanup.NewService(&cfg.Retention, dbClient, logStore)
	cleanupService.Start(ctx)
	defer cleanupService.Stop()

	// 7. HTTP server; the admin shutdown endpoint feeds the same signal
	// channel the OS signals use.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	httpServer := api.NewServer(cfg, dbClient, logStore, runs, broadcaster, func() {
		sigCh <- syscall.SIGTERM
	})

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.ListenAddr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("TestRift started", "port", cfg.Server.Port, "data_dir", cfg.Data.Dir)

	// 8. Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown. Closing the listener ends runner sessions; their
	// runs become abandoned-run candidates for the next startup sweep.
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
