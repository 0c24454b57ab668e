package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/skp10216/dwt-price-center-sub002/internal/activity"
	"github.com/skp10216/dwt-price-center-sub002/internal/allocation"
	"github.com/skp10216/dwt-price-center-sub002/internal/app"
	"github.com/skp10216/dwt-price-center-sub002/internal/bankimport"
	"github.com/skp10216/dwt-price-center-sub002/internal/counterparty"
	"github.com/skp10216/dwt-price-center-sub002/internal/observability"
	"github.com/skp10216/dwt-price-center-sub002/internal/periodlock"
	"github.com/skp10216/dwt-price-center-sub002/internal/platform/cache"
	"github.com/skp10216/dwt-price-center-sub002/internal/platform/db"
	"github.com/skp10216/dwt-price-center-sub002/internal/upload"
	"github.com/skp10216/dwt-price-center-sub002/internal/voucher"
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

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		CounterpartyHandler: counterparty.NewHandler(logger, services.Counterparty),
		VoucherHandler:      voucher.NewHandler(logger, services.Voucher),
		AllocationHandler:   allocation.NewHandler(logger, services.Allocation),
		PeriodLockHandler:   periodlock.NewHandler(logger, services.PeriodLock),
		UploadHandler:       upload.NewHandler(logger, services.Upload),
		BankImportHandler:   bankimport.NewHandler(logger, services.BankImport),
		ActivityHandler:     activity.NewHandler(logger, services.Activity),
		JobHandler:          jobs.NewHandler(inspector, logger),
		Metrics:             metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
