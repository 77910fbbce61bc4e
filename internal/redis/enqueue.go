package redisq

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/remote-job-queue/internal/models"
)

// EnqueueJob writes the job to its lane and stores its waiting metadata in a
// single MULTI/EXEC, so a dequeuer never sees a job without metadata.
func (s *Store) EnqueueJob(ctx context.Context, job models.Job) error {
	data, err := job.Serialize()
	if err != nil {
		return err
	}

	fields, err := metadataFields(models.Metadata{Job: job, Status: models.StatusWaiting})
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()

	// Higher score pops first with ZPOPMAX.
	if job.Priority > 0 {
		pipe.ZAdd(ctx, s.priorityKey(), redis.Z{
			Score:  float64(job.Priority),
			Member: string(data),
		})
	} else {
		pipe.RPush(ctx, s.waitKey(), string(data))
	}
	pipe.HSet(ctx, metadataKey(job.ID), fields)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// LaneLengths returns the number of jobs waiting in each lane.
func (s *Store) LaneLengths(ctx context.Context) (models.LaneStats, error) {
	pipe := s.client.Pipeline()
	prio := pipe.ZCard(ctx, s.priorityKey())
	wait := pipe.LLen(ctx, s.waitKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return models.LaneStats{}, fmt.Errorf("failed to read lane lengths: %w", err)
	}
	return models.LaneStats{Priority: prio.Val(), Wait: wait.Val()}, nil
}

// Requeue puts a waiting job back on its lane after a worker popped it but
// could not activate it. It reports false when the job is no longer waiting
// or is already in a lane.
func (s *Store) Requeue(ctx context.Context, job models.Job) (bool, error) {
	key := metadataKey(job.ID)
	requeued := false

	data, err := job.Serialize()
	if err != nil {
		return false, err
	}

	txf := func(tx *redis.Tx) error {
		requeued = false

		status, err := tx.HGet(ctx, key, "status").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read status of job %s: %w", job.ID, err)
		}
		if models.Status(status) != models.StatusWaiting {
			return nil
		}

		prioMember, err := findMember(tx.ZRange(ctx, s.priorityKey(), 0, -1), job.ID)
		if err != nil {
			return err
		}
		waitMember, err := findMember(tx.LRange(ctx, s.waitKey(), 0, -1), job.ID)
		if err != nil {
			return err
		}
		if prioMember != "" || waitMember != "" {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if job.Priority > 0 {
				pipe.ZAdd(ctx, s.priorityKey(), redis.Z{Score: float64(job.Priority), Member: string(data)})
			} else {
				// Front of the FIFO lane; it was the oldest when popped.
				pipe.LPush(ctx, s.waitKey(), string(data))
			}
			return nil
		})
		if err != nil {
			return err
		}
		requeued = true
		return nil
	}

	if err := s.watch(ctx, txf, key, s.priorityKey(), s.waitKey()); err != nil {
		return false, fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
	}
	return requeued, nil
}
