package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rbrinkke/notifications-service/api/routes"
	"github.com/rbrinkke/notifications-service/internal/devices"
	"github.com/rbrinkke/notifications-service/internal/listener"
	"github.com/rbrinkke/notifications-service/internal/notifications"
	"github.com/rbrinkke/notifications-service/internal/worker"
	"github.com/rbrinkke/notifications-service/pkg/bus"
	"github.com/rbrinkke/notifications-service/pkg/config"
	"github.com/rbrinkke/notifications-service/pkg/db"
	"github.com/rbrinkke/notifications-service/pkg/fcm"
	"github.com/rbrinkke/notifications-service/pkg/logger"
	"github.com/rbrinkke/notifications-service/pkg/metrics"
	"github.com/rbrinkke/notifications-service/pkg/migrate"
)

// Capacity of the wake channel between the LISTEN session and the worker
// loop. Signals beyond this coalesce; the worker drains all due work per
// wake.
const wakeChannelCapacity = 10

func main() {
	logg := logger.New(logger.Options{ServiceName: "notifications-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "notifications-worker",
		Level:       logger.ParseLevel(effectiveLogLevel(cfg)),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	workerMetrics := metrics.NewWorkerMetrics(prometheus.DefaultRegisterer)

	workerParams := worker.ServiceParams{
		Config:  cfg.Worker,
		Logger:  logg,
		Metrics: workerMetrics,
		Queue:   notifications.NewRepository(dbClient.DB()),
		Devices: devices.NewRegistry(dbClient.DB()),
	}

	if cfg.Bus.Enabled() {
		busClient, err := bus.NewClient(cfg.Bus)
		if err != nil {
			logg.Error(ctx, "failed to create bus client", err)
			os.Exit(1)
		}
		workerParams.Bus = busClient
		logg.Info(logg.WithField(ctx, "bus_url", cfg.Bus.URL), "bus transport enabled")
	} else {
		logg.Warn(ctx, "bus not configured, realtime delivery disabled")
	}

	if cfg.FCM.Enabled() {
		fcmClient, err := fcm.NewClient(cfg.FCM)
		if err != nil {
			logg.Error(ctx, "failed to create fcm client", err)
			os.Exit(1)
		}
		workerParams.Push = fcmClient
		logg.Info(logg.WithField(ctx, "project_id", cfg.FCM.ProjectID), "push transport enabled")
	} else {
		logg.Warn(ctx, "fcm not configured, push delivery disabled")
	}

	wake := make(chan struct{}, wakeChannelCapacity)
	workerParams.Wake = wake

	listenerSvc, err := listener.NewService(listener.ServiceParams{
		Logger:  logg,
		Metrics: workerMetrics,
		DSN:     cfg.DB.URL,
		Wake:    wake,
	})
	if err != nil {
		logg.Error(ctx, "failed to create listener", err)
		os.Exit(1)
	}

	workerSvc, err := worker.NewService(workerParams)
	if err != nil {
		logg.Error(ctx, "failed to create worker", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:    cfg.HTTP.Addr(),
		Handler: routes.NewRouter(logg, dbClient, listenerSvc, prometheus.DefaultGatherer),
	}

	go func() {
		if err := listenerSvc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logg.Error(ctx, "listener stopped unexpectedly", err)
		}
	}()

	go func() {
		logg.Info(logg.WithField(ctx, "addr", server.Addr), "health server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "health server stopped unexpectedly", err)
		}
	}()

	if err := workerSvc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(shutdownCtx, "health server shutdown failed", err)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}

func effectiveLogLevel(cfg *config.Config) string {
	if cfg.App.DebugMode {
		return "debug"
	}
	return cfg.App.LogLevel
}
