package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/skp10216/dwt-price-center-sub002/internal/app"
	"github.com/skp10216/dwt-price-center-sub002/internal/bankimport"
	"github.com/skp10216/dwt-price-center-sub002/internal/observability"
	"github.com/skp10216/dwt-price-center-sub002/internal/platform/cache"
	"github.com/skp10216/dwt-price-center-sub002/internal/platform/db"
	"github.com/skp10216/dwt-price-center-sub002/internal/upload"
	"github.com/skp10216/dwt-price-center-sub002/jobs"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	queue, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue close", slog.Any("error", err))
		}
	}()

	services := app.BuildServices(cfg, logger, pool, redisClient, queue)
	metrics := observability.New()

	uploadJob := upload.NewProcessJob(services.Upload, logger)
	matchJob := bankimport.NewMatchJob(services.BankImport, logger)

	instrument := func(task string, h asynq.HandlerFunc) asynq.HandlerFunc {
		return func(ctx context.Context, t *asynq.Task) error {
			start := time.Now()
			err := h(ctx, t)
			metrics.ObserveJob(task, err, time.Since(start))
			return err
		}
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskUploadProcess, Handler: instrument(jobs.TaskUploadProcess, uploadJob.Handle)},
			{Type: jobs.TaskBankImportMatch, Handler: instrument(jobs.TaskBankImportMatch, matchJob.Handle)},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
