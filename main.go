package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"habit-sync/internal/app"
	"habit-sync/internal/config"
	"habit-sync/internal/handlers"
	"habit-sync/internal/metrics"
	"habit-sync/internal/middleware"
	"habit-sync/internal/migration"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateServer(); err != nil {
		slog.Error("Invalid server configuration", "error", err)
		os.Exit(1)
	}

	// Set up logger
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting habit-sync daemon",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.DatabasePath,
		"remote_backend", cfg.RemoteBackend,
		"log_level", cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open stores", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	logger.Info("Stores opened", "device_id", a.DeviceID)

	// The migration must finish before anything else touches the event log
	result, err := a.Migration.Run(ctx)
	switch {
	case errors.Is(err, migration.ErrBlocked):
		logger.Error("Local data is blocked by a failed migration, restore it from the backup directory",
			"backup_dir", cfg.BackupDir, "error", err)
	case err != nil:
		logger.Error("Legacy migration failed, will retry on next start", "error", err)
	case !result.Skipped:
		logger.Info("Legacy migration finished", "events", result.Events, "backup", result.BackupPath)
	}

	purgeDeletedHabits(a, logger)

	// Create handlers
	progressHandler := handlers.NewProgressHandler(a.Ledger, a.Identity)
	syncHandler := handlers.NewSyncHandler(a.Sync)
	streakHandler := handlers.NewStreakHandler(a.Streaks, a.Days, a.Identity)
	habitsHandler := handlers.NewHabitsHandler(a.Ledger, a.Identity)

	// Set up HTTP routes
	mux := http.NewServeMux()

	mux.Handle("/progress", middleware.WrapProtected(metrics.EndpointProgress, cfg.InternalAPIKey, progressHandler.HandleProgress))
	mux.Handle("/sync", middleware.WrapProtected(metrics.EndpointSync, cfg.InternalAPIKey, syncHandler.HandleSync))
	mux.Handle("/sync/status", middleware.WrapProtected(metrics.EndpointSyncStatus, cfg.InternalAPIKey, syncHandler.HandleStatus))
	mux.Handle("/streak", middleware.WrapProtected(metrics.EndpointStreak, cfg.InternalAPIKey, streakHandler.HandleStreak))
	mux.Handle("/habits", middleware.WrapProtected(metrics.EndpointHabits, cfg.InternalAPIKey, habitsHandler.HandleHabits))
	mux.Handle("/habits/", middleware.WrapProtected(metrics.EndpointHabits, cfg.InternalAPIKey, habitsHandler.HandleHabit))

	// Health check endpoint
	mux.Handle("/health", middleware.WrapHandler(metrics.EndpointHealth, func(w http.ResponseWriter, r *http.Request) {
		if err := a.DB.Health(); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.SyncBatchTimeout + 30*time.Second, // POST /sync waits for a whole cycle
		IdleTimeout:  120 * time.Second,
	}

	// Start the sync scheduler in background
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		logger.Info("Starting sync coordinator", "interval", cfg.SyncInterval)
		if err := a.Sync.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Sync coordinator failed", "error", err)
		}
	}()

	// Start backlog collector if metrics are enabled
	if cfg.MetricsEnabled {
		go func() {
			logger.Info("Starting unsynced backlog collector")
			metrics.StartBacklogCollector(ctx, a.DB, 15*time.Second)
		}()
	}

	// Start metrics server if enabled
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())

		metricsAddr := fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort)
		metricsServer = &http.Server{
			Addr:    metricsAddr,
			Handler: metricsMux,
		}

		go func() {
			logger.Info("Metrics server listening", "addr", metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Start HTTP server in background
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	// Shutdown HTTP servers with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "error", err)
		}
	}

	// Stop the scheduler and wait for the running cycle before closing stores
	cancel()
	<-syncDone

	logger.Info("Server stopped")
}

// purgeDeletedHabits removes habits whose retention window has passed
func purgeDeletedHabits(a *app.App, logger *slog.Logger) {
	userID, err := a.Identity.CurrentUser()
	if err != nil {
		logger.Error("Failed to resolve user for habit purge", "error", err)
		return
	}
	n, err := a.Ledger.PurgeHabits(userID)
	if err != nil {
		logger.Error("Failed to purge deleted habits", "error", err)
		return
	}
	if n > 0 {
		logger.Info("Purged deleted habits", "count", n)
	}
}
