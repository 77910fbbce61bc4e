package redisq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/remote-job-queue/internal/models"
)

// latencySmoothing weights the newest run in the moving average.
const latencySmoothing = 0.2

// Worker metrics hash fields.
const (
	fieldAvgLatency = "avg_latency_ms"
	fieldType       = "type"
	fieldCompleted  = "completed"
	fieldFailed     = "failed"
	fieldLastStatus = "last_status"
	fieldLastRunAt  = "last_run_at"
)

// Heartbeat marks the worker alive for ttl.
func (s *Store) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	err := s.client.Set(ctx, heartbeatKey(workerID), time.Now().Unix(), ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to write heartbeat for worker %s: %w", workerID, err)
	}
	return nil
}

// WorkerAlive reports whether the worker's heartbeat has not expired.
func (s *Store) WorkerAlive(ctx context.Context, workerID string) (bool, error) {
	return s.Exists(ctx, heartbeatKey(workerID))
}

// UpdateWorkerMetrics records one finished run: it bumps the completed or
// failed count, folds the duration into the latency average and re-ranks
// the worker. The read and the write share one WATCH transaction.
func (s *Store) UpdateWorkerMetrics(ctx context.Context, workerID, workerType string, d time.Duration, status models.Status) error {
	var counter string
	switch status {
	case models.StatusCompleted:
		counter = fieldCompleted
	case models.StatusFailed:
		counter = fieldFailed
	default:
		return fmt.Errorf("worker %s: run status must be completed or failed, got %q", workerID, status)
	}

	key := workerMetricsKey(workerID)
	ms := float64(d) / float64(time.Millisecond)

	txf := func(tx *redis.Tx) error {
		avg := ms
		prev, err := tx.HGet(ctx, key, fieldAvgLatency).Float64()
		switch {
		case err == nil:
			avg = latencySmoothing*ms + (1-latencySmoothing)*prev
		case !errors.Is(err, redis.Nil):
			return fmt.Errorf("failed to read latency of worker %s: %w", workerID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldAvgLatency, strconv.FormatFloat(avg, 'f', 2, 64),
				fieldType, workerType,
				fieldLastStatus, string(status),
				fieldLastRunAt, time.Now().UTC().Format(time.RFC3339Nano),
			)
			pipe.HIncrBy(ctx, key, counter, 1)
			// Fastest worker ranks first.
			pipe.ZAdd(ctx, workersLatencyKey, redis.Z{Score: avg, Member: workerID})
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return fmt.Errorf("failed to update metrics of worker %s: %w", workerID, err)
	}
	return nil
}

// GetWorkerMetrics returns nil without error for a worker with no runs.
func (s *Store) GetWorkerMetrics(ctx context.Context, workerID string) (*models.WorkerMetrics, error) {
	data, err := s.client.HGetAll(ctx, workerMetricsKey(workerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics of worker %s: %w", workerID, err)
	}
	return parseWorkerMetrics(workerID, data), nil
}

// GetTopWorkers returns up to limit workers, fastest first, in one round
// trip after the ranking read.
func (s *Store) GetTopWorkers(ctx context.Context, limit int64) ([]models.WorkerMetrics, error) {
	ids, err := s.client.ZRange(ctx, workersLatencyKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to rank workers: %w", err)
	}
	if len(ids) == 0 {
		return []models.WorkerMetrics{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, workerMetricsKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read worker metrics: %w", err)
	}

	out := make([]models.WorkerMetrics, 0, len(ids))
	for i, id := range ids {
		if m := parseWorkerMetrics(id, cmds[i].Val()); m != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

func parseWorkerMetrics(workerID string, data map[string]string) *models.WorkerMetrics {
	if len(data) == 0 {
		return nil
	}
	m := &models.WorkerMetrics{
		WorkerID:   workerID,
		WorkerType: data[fieldType],
		LastStatus: models.Status(data[fieldLastStatus]),
	}
	m.AvgLatencyMs, _ = strconv.ParseFloat(data[fieldAvgLatency], 64)
	m.Completed, _ = strconv.ParseInt(data[fieldCompleted], 10, 64)
	m.Failed, _ = strconv.ParseInt(data[fieldFailed], 10, 64)
	if t, ok := parseTime(data[fieldLastRunAt]); ok {
		m.LastRunAt = &t
	}
	return m
}
