package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/hookrelay/internal/delivery"
	"github.com/angelmondragon/hookrelay/internal/dispatch"
	"github.com/angelmondragon/hookrelay/internal/events"
	"github.com/angelmondragon/hookrelay/internal/queue"
	"github.com/angelmondragon/hookrelay/internal/subscriptions"
	"github.com/angelmondragon/hookrelay/pkg/config"
	"github.com/angelmondragon/hookrelay/pkg/db"
	"github.com/angelmondragon/hookrelay/pkg/instance"
	"github.com/angelmondragon/hookrelay/pkg/logger"
	"github.com/angelmondragon/hookrelay/pkg/metrics"
	"github.com/angelmondragon/hookrelay/pkg/migrate"
	"github.com/angelmondragon/hookrelay/pkg/redis"
)

// redisWakeListener adapts the redis client's pub/sub connection to the
// channel-of-messages shape the dispatch service consumes.
type redisWakeListener struct {
	client *redis.Client
}

func (l redisWakeListener) Listen(ctx context.Context, channel string) (<-chan *goredis.Message, io.Closer, error) {
	sub, err := l.client.Subscribe(ctx, channel)
	if err != nil {
		return nil, nil, err
	}
	return sub.Channel(), sub, nil
}

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Instance:    instance.GetID(),
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

	workQueue := queue.NewWorkQueue(redisClient, cfg.Worker.QueueKey)
	schedule := queue.NewDelaySchedule(redisClient, cfg.Worker.ScheduleKey)

	processor, err := dispatch.NewProcessor(dispatch.ProcessorParams{
		Config:        cfg,
		Logger:        logg,
		Events:        events.NewRepository(dbClient.DB()),
		Subscriptions: subscriptions.NewRepository(dbClient.DB()),
		Deliverer:     delivery.NewClient(cfg.Delivery, nil),
		Schedule:      schedule,
		Metrics:       deliveryMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create delivery processor", err)
		os.Exit(1)
	}

	scheduler, err := dispatch.NewRetryScheduler(schedule, processor, logg, nil)
	if err != nil {
		logg.Error(context.Background(), "failed to create retry scheduler", err)
		os.Exit(1)
	}

	worker, err := dispatch.NewWorker(dispatch.WorkerParams{
		Config:    cfg,
		Logger:    logg,
		Queue:     workQueue,
		Schedule:  schedule,
		Processor: processor,
		Scheduler: scheduler,
		Metrics:   deliveryMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create dispatch worker", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config:   cfg,
		Logger:   logg,
		DB:       dbClient,
		Redis:    redisClient,
		Listener: redisWakeListener{client: redisClient},
		Worker:   worker,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
	})
	logg.Info(ctx, "starting worker")

	go func() {
		if err := metrics.Serve(ctx, cfg.Worker.MetricsAddr, registry); err != nil {
			logg.Error(ctx, "metrics listener stopped", err)
		}
	}()

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}
