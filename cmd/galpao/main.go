package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/galpao-wms/galpao-wms/internal/app"
	"github.com/galpao-wms/galpao-wms/internal/intake"
	"github.com/galpao-wms/galpao-wms/internal/observability"
	"github.com/galpao-wms/galpao-wms/internal/platform/cache"
	"github.com/galpao-wms/galpao-wms/internal/platform/db"
	"github.com/galpao-wms/galpao-wms/internal/shared"
	"github.com/galpao-wms/galpao-wms/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping service startup")
		return
	}

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
		logger.Error("connect database", slog.Any("error", err))
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

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("asynq client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	repo := intake.NewRepository(pool)
	sessionCache := intake.NewRedisSessionCache(redisClient, cfg.SessionTTL)
	idem := shared.NewIdempotencyStore(pool)
	audit := shared.NewAuditLogger(pool)

	engine := intake.NewEngine(repo, sessionCache, idem, audit, metrics, jobClient, intake.EngineConfig{
		Guard: intake.GuardConfig{
			CheckTimeout:         cfg.GuardCheckTimeout,
			RecheckOwnershipLive: cfg.GuardRecheckOwnership,
		},
		MirrorTimeout: cfg.MirrorTimeout,
	}, logger)

	handler := intake.NewHandler(logger, engine, repo)
	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		IntakeHandler: handler,
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("intake service listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	engine.Shutdown()
	logger.Info("intake service stopped")
}
