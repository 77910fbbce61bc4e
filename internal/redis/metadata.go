package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ak3tsm7/remote-job-queue/internal/models"
)

func metadataFields(m models.Metadata) (map[string]any, error) {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	fields := map[string]any{
		"id":        m.ID,
		"name":      m.Name,
		"priority":  m.Priority,
		"createdAt": m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"payload":   string(payload),
		"attempts":  m.Attempts,
		"timeout":   m.Timeout,
		"delay":     m.Delay,
		"status":    string(m.Status),
	}
	if m.WorkerID != "" {
		fields["workerId"] = m.WorkerID
	}
	return fields, nil
}

func parseMetadata(data map[string]string) (*models.Metadata, error) {
	m := &models.Metadata{
		Job: models.Job{
			ID:   data["id"],
			Name: data["name"],
		},
		Status:   models.Status(data["status"]),
		WorkerID: data["workerId"],
	}

	m.Priority, _ = strconv.Atoi(data["priority"])
	m.Attempts = intOr(data["attempts"], 1)
	m.Timeout = intOr(data["timeout"], 0)
	m.Delay = intOr(data["delay"], 0)

	if raw := data["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload of job %s: %w", m.ID, err)
		}
	}
	if t, ok := parseTime(data["createdAt"]); ok {
		m.CreatedAt = t
	}
	if t, ok := parseTime(data["startedAt"]); ok {
		m.StartedAt = &t
	}
	if t, ok := parseTime(data["finishedAt"]); ok {
		m.FinishedAt = &t
	}
	return m, nil
}

func intOr(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parseTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// GetMetadata returns models.ErrJobNotFound for unknown ids.
func (s *Store) GetMetadata(ctx context.Context, jobID string) (*models.Metadata, error) {
	return getMetadata(ctx, s.client, jobID)
}

// hashReader is satisfied by both the client and a WATCH transaction.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func getMetadata(ctx context.Context, c hashReader, jobID string) (*models.Metadata, error) {
	data, err := c.HGetAll(ctx, metadataKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata of job %s: %w", jobID, err)
	}
	if len(data) == 0 {
		return nil, models.ErrJobNotFound
	}
	return parseMetadata(data)
}

// ListMetadata scans every job record. Order is store-scan order.
func (s *Store) ListMetadata(ctx context.Context) ([]*models.Metadata, error) {
	var jobs []*models.Metadata

	iter := s.client.Scan(ctx, 0, metadataPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", iter.Val(), err)
		}
		if len(data) == 0 {
			continue
		}
		m, err := parseMetadata(data)
		if err != nil {
			s.logger.Warn("skipping unreadable job record", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		jobs = append(jobs, m)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan job records: %w", err)
	}
	return jobs, nil
}

// SetStatus moves a job to status in one HSET under WATCH. The status and its
// timestamp land together; the transition must be legal.
func (s *Store) SetStatus(ctx context.Context, jobID string, status models.Status, workerID string, now time.Time) error {
	key := metadataKey(jobID)

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "status").Result()
		if errors.Is(err, redis.Nil) {
			return models.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read status of job %s: %w", jobID, err)
		}
		if !models.CanTransition(models.Status(current), status) {
			return fmt.Errorf("job %s: %s -> %s: %w", jobID, current, status, models.ErrInvalidTransition)
		}

		updates := map[string]any{"status": string(status)}
		ts := now.UTC().Format(time.RFC3339Nano)
		switch status {
		case models.StatusActive:
			updates["startedAt"] = ts
		case models.StatusCompleted, models.StatusFailed:
			updates["finishedAt"] = ts
		}
		if workerID != "" {
			updates["workerId"] = workerID
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, updates)
			return nil
		})
		return err
	}

	return s.watch(ctx, txf, key)
}

// CancelWaiting cancels a waiting job. It reports false when the job is
// unknown, not waiting, or already popped from its lane by a worker.
func (s *Store) CancelWaiting(ctx context.Context, jobID string) (bool, error) {
	key := metadataKey(jobID)
	canceled := false

	txf := func(tx *redis.Tx) error {
		canceled = false

		m, err := getMetadata(ctx, tx, jobID)
		if errors.Is(err, models.ErrJobNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if m.Status != models.StatusWaiting {
			return nil
		}

		prioMember, err := findMember(tx.ZRange(ctx, s.priorityKey(), 0, -1), jobID)
		if err != nil {
			return err
		}
		waitMember, err := findMember(tx.LRange(ctx, s.waitKey(), 0, -1), jobID)
		if err != nil {
			return err
		}
		if prioMember == "" && waitMember == "" {
			// Claimed between enqueue and now; the worker owns it.
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prioMember != "" {
				pipe.ZRem(ctx, s.priorityKey(), prioMember)
			}
			if waitMember != "" {
				pipe.LRem(ctx, s.waitKey(), 1, waitMember)
			}
			pipe.HSet(ctx, key, "status", string(models.StatusCanceled))
			return nil
		})
		if err != nil {
			return err
		}
		canceled = true
		return nil
	}

	if err := s.watch(ctx, txf, key, s.priorityKey(), s.waitKey()); err != nil {
		return false, err
	}
	return canceled, nil
}

func findMember(cmd *redis.StringSliceCmd, jobID string) (string, error) {
	members, err := cmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("failed to scan lane: %w", err)
	}
	for _, member := range members {
		job, err := models.DecodeJob([]byte(member))
		if err != nil {
			continue
		}
		if job.ID == jobID {
			return member, nil
		}
	}
	return "", nil
}

func (s *Store) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("gave up after %d attempts on %v: %w", maxTxRetries, keys, models.ErrTxConflict)
}
