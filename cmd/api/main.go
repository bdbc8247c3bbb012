package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"repo-analysis-engine/internal/api"
	"repo-analysis-engine/internal/config"
	"repo-analysis-engine/internal/executor"
	"repo-analysis-engine/internal/ledger"
	"repo-analysis-engine/internal/policy"
	"repo-analysis-engine/internal/ratelimit"
	"repo-analysis-engine/internal/scheduler"
	"repo-analysis-engine/internal/store"
	"repo-analysis-engine/internal/sweep"
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
	limiter := ratelimit.New(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	retryPolicy := policy.Policy{
		RetryableTags: cfg.RetryableErrors,
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.BackoffBase,
		Multiplier:    cfg.BackoffMultiplier,
		MaxDelay:      cfg.BackoffMax,
	}

	led := ledger.New(st.Ledger(), logger)
	sched := scheduler.New(st.Jobs(), retryPolicy, logger)
	exec := executor.WithTimeout(executor.NewHTTP(cfg.ExecutorURL), cfg.ExecutorTimeout)
	// No Start here: the API only uses the per-job processing path; the
	// sweeper service owns the periodic loop.
	sweeper := sweep.New(st.Jobs(), sched, exec, nil, cfg.SweepBatchSize, logger)

	server := api.New(led, st.Jobs(), sched, sweeper, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
