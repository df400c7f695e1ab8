package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tracker/api/internal/app"
	"tracker/api/internal/cache"
	"tracker/api/internal/config"
	"tracker/api/internal/metrics"
	"tracker/api/internal/ratelimit"
	"tracker/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "database connection failed", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		fatal(logger, "migrations failed", err)
	}

	dataStore := store.NewPostgresStore(db).WithMaxAttempts(cfg.MaxTxAttempts)

	var (
		responses cache.Cache
		limiter   ratelimit.Limiter
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for idempotency and rate limits")
		redisStore, err := cache.NewRedisStore(cfg.RedisURL, "tracker:")
		if err != nil {
			fatal(logger, "redis connection failed", err)
		}
		defer redisStore.Close()
		responses = redisStore
		limiter = ratelimit.NewRedisLimiter(redisStore, cfg.MoveRateLimit, cfg.MoveRateWindow)
	} else {
		logger.Info("using in-memory idempotency cache and rate limits")
		responses = cache.NewMemoryStore()
		if cfg.MoveRateLimit > 0 {
			limiter = ratelimit.NewLocalLimiter(cfg.MoveRateLimit, cfg.MoveRateWindow)
		}
	}
	if cfg.MoveRateLimit <= 0 {
		limiter = ratelimit.Unlimited{}
	}

	recorder := metrics.New()
	service := app.New(cfg, dataStore, responses, limiter, recorder, logger)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap error (will retry on next restart)", "error", err)
	}

	httpServer := app.NewHTTPServer(service, recorder.Handler(), cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	go func() {
		logger.Info("tracker API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
