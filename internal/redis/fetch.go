package redisq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ak3tsm7/remote-job-queue/internal/models"
)

// PopPriority atomically removes the highest-priority job, or returns nil
// when the lane is empty. It never blocks.
func (s *Store) PopPriority(ctx context.Context) (*models.Job, error) {
	zres, err := s.client.ZPopMax(ctx, s.priorityKey(), 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to pop from %s: %w", s.priorityKey(), err)
	}
	if len(zres) == 0 {
		return nil, nil
	}

	raw, ok := zres[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected member type %T in %s", zres[0].Member, s.priorityKey())
	}
	return s.decode(raw)
}

// PopWait removes the oldest job from the FIFO lane, blocking for at most
// wait. It returns nil when nothing arrived in time.
func (s *Store) PopWait(ctx context.Context, wait time.Duration) (*models.Job, error) {
	res, err := s.client.BLPop(ctx, wait, s.waitKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %s: %w", s.waitKey(), err)
	}
	if len(res) < 2 {
		return nil, nil
	}
	return s.decode(res[1])
}

func (s *Store) decode(raw string) (*models.Job, error) {
	job, err := models.DecodeJob([]byte(raw))
	if err != nil {
		// The member is already off the lane; keep the raw text for debugging.
		s.logger.Error("dropping undecodable lane member", zap.String("raw", raw), zap.Error(err))
		return nil, err
	}
	return &job, nil
}
