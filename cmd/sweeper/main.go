package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"repo-analysis-engine/internal/config"
	"repo-analysis-engine/internal/executor"
	"repo-analysis-engine/internal/policy"
	"repo-analysis-engine/internal/scheduler"
	"repo-analysis-engine/internal/store"
	"repo-analysis-engine/internal/sweep"
	"repo-analysis-engine/internal/sweeplock"
	"repo-analysis-engine/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if cfg.ExecutorURL == "" {
		logger.Error("EXECUTOR_URL is required")
		os.Exit(1)
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lock := sweeplock.New(redisClient, "sweep:leader", cfg.SweepLockTTL)

	retryPolicy := policy.Policy{
		RetryableTags: cfg.RetryableErrors,
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.BackoffBase,
		Multiplier:    cfg.BackoffMultiplier,
		MaxDelay:      cfg.BackoffMax,
	}

	sched := scheduler.New(st.Jobs(), retryPolicy, logger)
	exec := executor.WithTimeout(executor.NewHTTP(cfg.ExecutorURL), cfg.ExecutorTimeout)
	sweeper := sweep.New(st.Jobs(), sched, exec, lock, cfg.SweepBatchSize, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	sweeper.Start(cfg.SweepInterval)
	logger.Info("sweeper started", "interval", cfg.SweepInterval, "max_retries", cfg.MaxRetries)

	<-ctx.Done()
	sweeper.Stop()
}
