package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ak3tsm7/remote-job-queue/internal/config"
	"github.com/ak3tsm7/remote-job-queue/internal/logging"
	"github.com/ak3tsm7/remote-job-queue/internal/models"
	"github.com/ak3tsm7/remote-job-queue/internal/queue"
	redisq "github.com/ak3tsm7/remote-job-queue/internal/redis"
	"github.com/ak3tsm7/remote-job-queue/internal/remote"
)

func main() {
	cfg := config.Load()
	name := flag.String("name", "adhoc", "job name")
	command := flag.String("cmd", "", "shell command to run (payload.data)")
	priority := flag.Int("priority", 0, "priority; > 0 uses the priority lane")
	timeout := flag.Int("timeout", 0, "timeout in ms; 0 waits for completion")
	count := flag.Int("count", 1, "number of copies to enqueue")
	recoverOnly := flag.Bool("recover", false, "only recover orphaned jobs and print stats")
	flag.StringVar(&cfg.QueueName, "queue", cfg.QueueName, "queue name")
	flag.Parse()

	logger, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
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
	q := queue.New(store, queue.WithLogger(logger))

	// Recover first so stale active records don't skew the stats below.
	n, err := q.RecoverOrphans(ctx)
	if err != nil {
		logger.Warn("orphan recovery failed", zap.Error(err))
	} else {
		fmt.Printf("Recovered %d orphaned job(s)\n", n)
	}

	if !*recoverOnly {
		if *command == "" {
			logger.Fatal("-cmd is required")
		}
		if err := remote.CheckCommand(*command); err != nil {
			logger.Fatal("command rejected", zap.Error(err))
		}
		for i := 0; i < *count; i++ {
			id, err := q.Add(ctx, models.JobConfig{
				Name:     *name,
				Payload:  map[string]any{"data": *command},
				Priority: *priority,
				Timeout:  *timeout,
			})
			if err != nil {
				logger.Error("failed to enqueue job", zap.Error(err))
				continue
			}
			fmt.Printf("Job %s enqueued (priority: %d)\n", id, *priority)
		}
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		logger.Fatal("failed to read stats", zap.Error(err))
	}

	fmt.Println("\nQueue status:")
	fmt.Printf("  %s:priority: %d jobs\n", cfg.QueueName, stats.Lanes.Priority)
	fmt.Printf("  %s:wait: %d jobs\n", cfg.QueueName, stats.Lanes.Wait)

	fmt.Println("\nWorker rankings (by latency):")
	if len(stats.Workers) == 0 {
		fmt.Println("  No workers registered yet")
	}
	for i, w := range stats.Workers {
		fmt.Printf("  %d. Worker %s (%s) - Avg Latency: %.2fms, Jobs: %d\n",
			i+1, w.WorkerID, w.WorkerType, w.AvgLatencyMs, w.JobsDone())
	}
}
