package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ak3tsm7/remote-job-queue/internal/api"
	"github.com/ak3tsm7/remote-job-queue/internal/config"
	"github.com/ak3tsm7/remote-job-queue/internal/logging"
	"github.com/ak3tsm7/remote-job-queue/internal/queue"
	redisq "github.com/ak3tsm7/remote-job-queue/internal/redis"
	"github.com/ak3tsm7/remote-job-queue/internal/remote"
	"github.com/ak3tsm7/remote-job-queue/internal/worker"
)

func main() {
	cfg := config.Load()
	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "http listen address")
	flag.StringVar(&cfg.QueueName, "queue", cfg.QueueName, "queue name")
	flag.StringVar(&cfg.Executor, "executor", cfg.Executor, "ssh|local")
	flag.Parse()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	store := redisq.New(rdb, cfg.QueueName, redisq.WithLogger(logger))
	if err := store.Ping(ctx); err != nil {
		return err
	}
	q := queue.New(store, queue.WithLogger(logger.Named("queue")))

	dialer, err := remote.NewDialer(cfg)
	if err != nil {
		return err
	}

	hub := api.NewHub(logger.Named("ws"))
	srv := api.New(q, hub,
		api.WithLogger(logger.Named("api")),
		api.WithRateLimit(cfg.RateLimitPerMinute),
	)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	executor := remote.NewExecutor(dialer, q, remote.WithLogger(logger.Named("remote")))
	w := worker.New(q, executor,
		worker.WithLogger(logger.Named("worker")),
		worker.WithPollWait(cfg.PollWait),
		worker.WithWorkerType(cfg.Executor),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		// The worker gets its own context so Stop can let an in-flight job
		// finish instead of failing it on shutdown.
		if err := w.Start(context.Background(), srv.OnLog); err != nil {
			return err
		}
		<-gctx.Done()
		w.Stop()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
