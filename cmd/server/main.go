package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/markbook/internal/config"
	"github.com/JonMunkholm/markbook/internal/core"
	"github.com/JonMunkholm/markbook/internal/kv"
	"github.com/JonMunkholm/markbook/internal/logging"
	"github.com/JonMunkholm/markbook/internal/storage"
	"github.com/JonMunkholm/markbook/internal/web"
	"github.com/JonMunkholm/markbook/internal/workspace"
)

func main() {
	// Load .env file if it exists; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not read .env file", "error", err)
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logFile, err := logging.Setup(cfg.Logging)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer logFile.Close()

	slog.Info("configuration loaded", "config", cfg.String())

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		slog.Error("failed to create data directory", "dir", cfg.Storage.DataDir, "error", err)
		os.Exit(1)
	}

	// The workspace catalog lives apart from the workspace databases
	catalog, err := kv.Open(cfg.Storage.RegistryPath(), cfg.Storage.OpenTimeout)
	if err != nil {
		slog.Error("failed to open workspace registry", "path", cfg.Storage.RegistryPath(), "error", err)
		os.Exit(1)
	}
	defer catalog.Close()

	registry := workspace.NewRegistry(catalog, cfg.Storage.DefaultDBName)
	router := storage.NewRouter(cfg.Storage.DataDir, registry,
		storage.WithOpenTimeout(cfg.Storage.OpenTimeout),
		storage.WithDefaultDBName(cfg.Storage.DefaultDBName),
	)

	service := core.NewService(registry, router, core.Options{
		SwitchSettle:   settleOption(cfg.Storage.SwitchSettle),
		GateWait:       cfg.Storage.GateWait,
		MaxBackupBytes: cfg.Backup.MaxUploadSize,
	})

	// Open the current workspace now so schema upgrades fail at startup
	ctx := context.Background()
	conn, err := router.Connection(ctx)
	if err != nil {
		slog.Error("failed to open workspace database", "workspace", registry.Current().ID, "error", err)
		os.Exit(1)
	}
	slog.Info("workspace opened",
		"workspace", registry.Current().ID,
		"db", conn.Name(),
		"version", conn.Version(),
		"workspaces", len(registry.List()),
	)

	server := web.NewServer(service, cfg.Server, cfg.Backup.MaxUploadSize)

	// Create cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())

	if cfg.Backup.SnapshotEnabled {
		go service.StartSnapshotScheduler(jobCtx, core.SnapshotConfig{
			Dir:       cfg.Backup.SnapshotDir,
			Interval:  cfg.Backup.SnapshotInterval,
			Retention: cfg.Backup.SnapshotRetention,
		})
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		// Stop background jobs
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		// Let a running import or switch finish before closing the database
		if status := service.GateStatus(); status.Busy {
			slog.Info("waiting for operation to complete", "operation", status.Operation)
		}
		if err := service.Close(shutdownCtx); err != nil {
			slog.Error("close error", "error", err)
		}
	}()

	if err := server.Start(); err != nil {
		slog.Error("server stopped", "error", err)
		cancelJobs()
		service.Close(context.Background())
		os.Exit(1)
	}
	<-done
	slog.Info("server stopped")
}

// settleOption maps the configured settle delay to core.Options, where zero
// selects the default and a negative value disables the pause.
func settleOption(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}
