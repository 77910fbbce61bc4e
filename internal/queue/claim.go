package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ak3tsm7/remote-job-queue/internal/models"
)

// ClaimPriority pops the highest-priority job without blocking.
func (q *Queue) ClaimPriority(ctx context.Context) (*models.Job, error) {
	return q.store.PopPriority(ctx)
}

// ClaimWait pops the oldest FIFO job, waiting at most wait.
func (q *Queue) ClaimWait(ctx context.Context, wait time.Duration) (*models.Job, error) {
	return q.store.PopWait(ctx, wait)
}

// Requeue returns a claimed job that never became active to its lane.
func (q *Queue) Requeue(ctx context.Context, job models.Job) (bool, error) {
	return q.store.Requeue(ctx, job)
}

func (q *Queue) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	return q.store.Heartbeat(ctx, workerID, ttl)
}

// RecordRun adds a finished run to the worker's outcome counts and latency
// average.
func (q *Queue) RecordRun(ctx context.Context, w models.Worker, d time.Duration, status models.Status) error {
	return q.store.UpdateWorkerMetrics(ctx, w.ID, w.Type, d, status)
}

// RecoverOrphans repairs jobs left behind by a worker that went away. Active
// jobs whose worker is no longer heartbeating are failed, not re-enqueued.
// Waiting jobs that sit in neither lane were popped but never activated, so
// they go back on their lane. It returns how many jobs were repaired.
func (q *Queue) RecoverOrphans(ctx context.Context) (int, error) {
	jobs, err := q.store.ListMetadata(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, m := range jobs {
		switch m.Status {
		case models.StatusActive:
			if q.failOrphan(ctx, m) {
				recovered++
			}
		case models.StatusWaiting:
			// A worker racing us to activate this job wins; the
			// requeued copy is skipped when it is popped.
			ok, err := q.store.Requeue(ctx, m.Job)
			if err != nil {
				q.logger.Warn("failed to requeue stranded job", zap.String("job_id", m.ID), zap.Error(err))
				continue
			}
			if ok {
				q.logger.Info("requeued stranded job", zap.String("job_id", m.ID))
				recovered++
			}
		}
	}
	return recovered, nil
}

func (q *Queue) failOrphan(ctx context.Context, m *models.Metadata) bool {
	if m.WorkerID != "" {
		alive, err := q.store.WorkerAlive(ctx, m.WorkerID)
		if err != nil {
			q.logger.Warn("failed to read worker heartbeat", zap.String("worker_id", m.WorkerID), zap.Error(err))
			return false
		}
		if alive {
			return false
		}
	}

	if err := q.UpdateState(ctx, m.ID, models.StatusFailed); err != nil {
		q.logger.Warn("failed to fail orphaned job", zap.String("job_id", m.ID), zap.Error(err))
		return false
	}
	if err := q.StoreJobLog(ctx, m.ID, "worker lost while job was running; marked failed"); err != nil {
		q.logger.Warn("failed to log orphan recovery", zap.String("job_id", m.ID), zap.Error(err))
	}

	q.logger.Info("recovered orphaned job", zap.String("job_id", m.ID), zap.String("worker_id", m.WorkerID))
	return true
}
