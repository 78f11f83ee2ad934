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
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/hookrelay/api/routes"
	"github.com/angelmondragon/hookrelay/internal/events"
	"github.com/angelmondragon/hookrelay/internal/ingest"
	"github.com/angelmondragon/hookrelay/internal/notify"
	"github.com/angelmondragon/hookrelay/internal/queue"
	"github.com/angelmondragon/hookrelay/internal/subscriptions"
	"github.com/angelmondragon/hookrelay/pkg/config"
	"github.com/angelmondragon/hookrelay/pkg/db"
	"github.com/angelmondragon/hookrelay/pkg/env"
	"github.com/angelmondragon/hookrelay/pkg/instance"
	"github.com/angelmondragon/hookrelay/pkg/logger"
	"github.com/angelmondragon/hookrelay/pkg/metrics"
	"github.com/angelmondragon/hookrelay/pkg/migrate"
	"github.com/angelmondragon/hookrelay/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deliveryMetrics := metrics.NewDeliveryMetrics(registry)

	subscriptionsRepo := subscriptions.NewRepository(dbClient.DB())
	subscriptionsService, err := subscriptions.NewService(subscriptionsRepo, dbClient)
	if err != nil {
		logg.Error(context.Background(), "failed to create subscriptions service", err)
		os.Exit(1)
	}

	eventsService, err := events.NewService(events.NewRepository(dbClient.DB()), subscriptionsRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create events service", err)
		os.Exit(1)
	}

	workQueue := queue.NewWorkQueue(redisClient, cfg.Worker.QueueKey)
	schedule := queue.NewDelaySchedule(redisClient, cfg.Worker.ScheduleKey)

	ingestService, err := ingest.NewService(ingest.ServiceParams{
		Logger:        logg,
		Subscriptions: subscriptionsRepo,
		Events:        eventsService,
		Queue:         workQueue,
		Notifier:      notify.NewNotifier(redisClient, cfg.Worker.NotifyChannel),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ingest service", err)
		os.Exit(1)
	}

	addr := ":" + env.Get("PORT", cfg.App.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			dbClient,
			redisClient,
			workQueue,
			schedule,
			registry,
			deliveryMetrics,
			ingestService,
			subscriptionsService,
			eventsService,
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
	}

	logg.Info(ctx, "api server shutting down gracefully")
}
