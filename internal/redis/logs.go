package redisq

import (
	"context"
	"fmt"
)

// AppendLog pushes a line and trims the list to the newest maxEntries entries.
func (s *Store) AppendLog(ctx context.Context, jobID, line string, maxEntries int) error {
	key := logsKey(jobID)

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, line)
	pipe.LTrim(ctx, key, 0, int64(maxEntries-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append log for job %s: %w", jobID, err)
	}
	return nil
}

// Logs returns up to limit lines, newest first.
func (s *Store) Logs(ctx context.Context, jobID string, limit int) ([]string, error) {
	lines, err := s.client.LRange(ctx, logsKey(jobID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read logs for job %s: %w", jobID, err)
	}
	return lines, nil
}

// SetMetric stores one named snapshot; the last write wins.
func (s *Store) SetMetric(ctx context.Context, jobID, name, value string) error {
	if err := s.client.HSet(ctx, jobMetricsKey(jobID), name, value).Err(); err != nil {
		return fmt.Errorf("failed to store metric %q for job %s: %w", name, jobID, err)
	}
	return nil
}

func (s *Store) Metrics(ctx context.Context, jobID string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, jobMetricsKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics for job %s: %w", jobID, err)
	}
	return m, nil
}
