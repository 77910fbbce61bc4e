// Package redisq implements the queue's durable store on Redis. The priority
// lane is a sorted set scored by job priority, the FIFO lane is a list, and
// job metadata, logs and metrics live under per-job keys.
package redisq

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// maxTxRetries bounds optimistic-lock retries of WATCH transactions.
const maxTxRetries = 8

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the Redis-backed store for one named queue. The caller owns the
// client lifecycle.
type Store struct {
	client redis.UniversalClient
	queue  string
	logger *zap.Logger
}

func New(client redis.UniversalClient, queueName string, opts ...Option) *Store {
	s := &Store{client: client, queue: queueName, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Exists reports whether a raw key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *Store) priorityKey() string { return s.queue + ":priority" }
func (s *Store) waitKey() string { return s.queue + ":wait" }

const metadataPrefix = "job:data:"

func metadataKey(jobID string) string { return metadataPrefix + jobID }
func logsKey(jobID string) string { return "job:logs:" + jobID }
func jobMetricsKey(jobID string) string { return "job:metrics:" + jobID }

func heartbeatKey(workerID string) string { return "worker:heartbeat:" + workerID }
func workerMetricsKey(workerID string) string { return "worker:metrics:" + workerID }

const workersLatencyKey = "workers:latency"
