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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ak3tsm7/remote-job-queue/internal/config"
	"github.com/ak3tsm7/remote-job-queue/internal/logging"
	"github.com/ak3tsm7/remote-job-queue/internal/queue"
	redisq "github.com/ak3tsm7/remote-job-queue/internal/redis"
	"github.com/ak3tsm7/remote-job-queue/internal/remote"
	"github.com/ak3tsm7/remote-job-queue/internal/worker"
)

func main() {
	cfg := config.Load()
	metricsAddr := flag.String("metrics-addr", ":2113", "prometheus listen address")
	flag.StringVar(&cfg.QueueName, "queue", cfg.QueueName, "queue name")
	flag.StringVar(&cfg.Executor, "executor", cfg.Executor, "ssh|local")
	flag.DurationVar(&cfg.PollWait, "poll-wait", cfg.PollWait, "blocking pop wait on the FIFO lane")
	flag.Parse()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics server started", zap.String("addr", *metricsAddr))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	store := redisq.New(rdb, cfg.QueueName, redisq.WithLogger(logger))
	if err := store.Ping(ctx); err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	q := queue.New(store, queue.WithLogger(logger.Named("queue")))

	dialer, err := remote.NewDialer(cfg)
	if err != nil {
		logger.Fatal("failed to build dialer", zap.Error(err))
	}
	executor := remote.NewExecutor(dialer, q, remote.WithLogger(logger.Named("remote")))

	w := worker.New(q, executor,
		worker.WithLogger(logger.Named("worker")),
		worker.WithPollWait(cfg.PollWait),
		worker.WithWorkerType(cfg.Executor),
	)

	onLog := func(jobID, message string) {
		logger.Debug("job output", zap.String("job_id", jobID), zap.String("message", message))
	}
	if err := w.Start(context.Background(), onLog); err != nil {
		logger.Fatal("failed to start worker", zap.Error(err))
	}

	<-ctx.Done()
	w.Stop()
}
