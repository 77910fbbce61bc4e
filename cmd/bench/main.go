package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ak3tsm7/remote-job-queue/internal/models"
	"github.com/ak3tsm7/remote-job-queue/internal/queue"
	redisq "github.com/ak3tsm7/remote-job-queue/internal/redis"
)

type benchConfig struct {
	addr        string
	queue       string
	jobs        int
	concurrency int
	timeoutMs   int
	command     string
	priorityPct int
}

func main() {
	cfg := parseFlags()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.addr})
	defer rdb.Close()

	store := redisq.New(rdb, cfg.queue)
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("redis ping failed: %v", err)
	}
	q := queue.New(store)

	log.Printf("Starting benchmark: jobs=%d queue=%s concurrency=%d timeout_ms=%d cmd=%q",
		cfg.jobs, cfg.queue, cfg.concurrency, cfg.timeoutMs, cfg.command)

	start := time.Now()
	jobIDs, err := enqueueJobs(ctx, q, cfg)
	if err != nil {
		log.Fatalf("enqueue failed: %v", err)
	}
	log.Printf("Enqueued %d jobs in %v", len(jobIDs), time.Since(start))

	counts := waitForDrain(ctx, q, jobIDs)
	log.Printf("Benchmark complete in %v: completed=%d failed=%d canceled=%d",
		time.Since(start), counts[models.StatusCompleted], counts[models.StatusFailed], counts[models.StatusCanceled])
}

func parseFlags() benchConfig {
	cfg := benchConfig{}
	flag.StringVar(&cfg.addr, "addr", envOr("REDIS_ADDR", "localhost:6379"), "redis address")
	flag.StringVar(&cfg.queue, "queue", envOr("QUEUE_NAME", "jobs"), "queue name")
	flag.IntVar(&cfg.jobs, "jobs", envInt("BENCH_JOBS", 100), "number of jobs")
	flag.IntVar(&cfg.concurrency, "concurrency", envInt("BENCH_CONCURRENCY", 10), "enqueue workers")
	flag.IntVar(&cfg.timeoutMs, "timeout", envInt("BENCH_TIMEOUT_MS", 3000), "job timeout ms")
	flag.StringVar(&cfg.command, "cmd", envOr("BENCH_CMD", "true"), "command each job runs")
	flag.IntVar(&cfg.priorityPct, "priority-pct", envInt("BENCH_PRIORITY_PCT", 0), "percent of jobs sent to the priority lane")
	flag.Parse()

	if cfg.concurrency < 1 {
		log.Fatalf("concurrency must be positive")
	}
	if cfg.priorityPct < 0 || cfg.priorityPct > 100 {
		log.Fatalf("priority-pct must be within 0..100")
	}
	return cfg
}

func enqueueJobs(ctx context.Context, q *queue.Queue, cfg benchConfig) ([]string, error) {
	jobIDs := make([]string, cfg.jobs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)
	for i := 0; i < cfg.jobs; i++ {
		g.Go(func() error {
			priority := 0
			if i%100 < cfg.priorityPct {
				priority = 1 + i%5
			}
			id, err := q.Add(gctx, models.JobConfig{
				Name:     "bench-" + strconv.Itoa(i),
				Payload:  map[string]any{"data": cfg.command},
				Priority: priority,
				Timeout:  cfg.timeoutMs,
			})
			if err != nil {
				return fmt.Errorf("job %d: %w", i, err)
			}
			jobIDs[i] = id
			return nil
		})
	}
	return jobIDs, g.Wait()
}

// waitForDrain polls until every job reached a terminal status and returns
// the tally per status.
func waitForDrain(ctx context.Context, q *queue.Queue, jobIDs []string) map[models.Status]int {
	pending := make(map[string]struct{}, len(jobIDs))
	for _, id := range jobIDs {
		pending[id] = struct{}{}
	}
	counts := map[models.Status]int{}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Interrupted with %d jobs outstanding", len(pending))
			return counts
		case <-ticker.C:
		}

		var waiting, active int
		for id := range pending {
			m, err := q.GetJobMetadata(ctx, id)
			if err != nil {
				continue
			}
			switch {
			case m.Status.Terminal():
				counts[m.Status]++
				delete(pending, id)
			case m.Status == models.StatusActive:
				active++
			default:
				waiting++
			}
		}

		log.Printf("Remaining %d; active=%d waiting=%d", len(pending), active, waiting)
		if len(pending) == 0 {
			return counts
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
