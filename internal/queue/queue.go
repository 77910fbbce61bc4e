// Package queue is the producer-facing side of the job queue: admitting jobs,
// looking them up, canceling waiting jobs and reading their logs and metrics.
// It also exposes the narrow claim/bookkeeping surface the worker needs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ak3tsm7/remote-job-queue/internal/metrics"
	"github.com/ak3tsm7/remote-job-queue/internal/models"
)

const (
	// DefaultLogLimit is used when a caller asks for logs without a limit.
	DefaultLogLimit = 100
	// MaxLogEntries is the retention cap per job.
	MaxLogEntries = 1000
)

// Store is the durable store contract the queue depends on.
type Store interface {
	Ping(ctx context.Context) error
	EnqueueJob(ctx context.Context, job models.Job) error
	PopPriority(ctx context.Context) (*models.Job, error)
	PopWait(ctx context.Context, wait time.Duration) (*models.Job, error)
	Requeue(ctx context.Context, job models.Job) (bool, error)

	GetMetadata(ctx context.Context, jobID string) (*models.Metadata, error)
	ListMetadata(ctx context.Context) ([]*models.Metadata, error)
	SetStatus(ctx context.Context, jobID string, status models.Status, workerID string, now time.Time) error
	CancelWaiting(ctx context.Context, jobID string) (bool, error)

	AppendLog(ctx context.Context, jobID, line string, maxEntries int) error
	Logs(ctx context.Context, jobID string, limit int) ([]string, error)
	SetMetric(ctx context.Context, jobID, name, value string) error
	Metrics(ctx context.Context, jobID string) (map[string]string, error)

	LaneLengths(ctx context.Context) (models.LaneStats, error)
	Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error
	WorkerAlive(ctx context.Context, workerID string) (bool, error)
	UpdateWorkerMetrics(ctx context.Context, workerID, workerType string, d time.Duration, status models.Status) error
	GetTopWorkers(ctx context.Context, limit int64) ([]models.WorkerMetrics, error)
}

// Queue is one named job queue.
type Queue struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Queue)

func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithClock overrides the time source used for log lines and transitions.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(store Store, opts ...Option) *Queue {
	q := &Queue{store: store, logger: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Add validates cfg, builds the job and enqueues it with waiting metadata.
func (q *Queue) Add(ctx context.Context, cfg models.JobConfig) (string, error) {
	if err := validate(cfg); err != nil {
		return "", err
	}

	job := models.NewJob(cfg)
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return "", err
	}

	lane := "wait"
	if job.Priority > 0 {
		lane = "priority"
	}
	metrics.JobsSubmittedTotal.WithLabelValues(lane).Inc()

	q.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("name", job.Name),
		zap.Int("priority", job.Priority),
		zap.String("lane", lane),
	)
	return job.ID, nil
}

func validate(cfg models.JobConfig) error {
	switch {
	case cfg.Name == "":
		return fmt.Errorf("name is required: %w", models.ErrInvalidJob)
	case cfg.Priority < 0:
		return fmt.Errorf("priority %d is negative: %w", cfg.Priority, models.ErrInvalidJob)
	case cfg.Timeout < 0:
		return fmt.Errorf("timeout %d is negative: %w", cfg.Timeout, models.ErrInvalidJob)
	case cfg.Delay < 0:
		return fmt.Errorf("delay %d is negative: %w", cfg.Delay, models.ErrInvalidJob)
	case cfg.Attempts < 0:
		return fmt.Errorf("attempts %d is negative: %w", cfg.Attempts, models.ErrInvalidJob)
	}
	return nil
}

// GetJobMetadata returns models.ErrJobNotFound for unknown ids.
func (q *Queue) GetJobMetadata(ctx context.Context, jobID string) (*models.Metadata, error) {
	return q.store.GetMetadata(ctx, jobID)
}

func (q *Queue) GetAllJobs(ctx context.Context) ([]*models.Metadata, error) {
	return q.store.ListMetadata(ctx)
}

type updateOptions struct {
	workerID string
}

type UpdateOption func(*updateOptions)

// WithWorker records which worker performed the transition.
func WithWorker(workerID string) UpdateOption {
	return func(o *updateOptions) { o.workerID = workerID }
}

// UpdateState transitions a job. Illegal transitions fail with
// models.ErrInvalidTransition and leave the record untouched.
func (q *Queue) UpdateState(ctx context.Context, jobID string, status models.Status, opts ...UpdateOption) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q: %w", status, models.ErrInvalidTransition)
	}

	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := q.store.SetStatus(ctx, jobID, status, o.workerID, q.now()); err != nil {
		return err
	}
	if status.Terminal() {
		metrics.JobsFinishedTotal.WithLabelValues(string(status)).Inc()
	}

	q.logger.Debug("job state updated", zap.String("job_id", jobID), zap.String("status", string(status)))
	return nil
}

// CancelJob cancels a waiting job. It returns false, with a nil error, when
// the job does not exist or is no longer waiting. A running job cannot be
// canceled.
func (q *Queue) CancelJob(ctx context.Context, jobID string) (bool, error) {
	ok, err := q.store.CancelWaiting(ctx, jobID)
	if err != nil {
		q.logger.Error("failed to cancel job", zap.String("job_id", jobID), zap.Error(err))
		return false, err
	}
	if !ok {
		q.logger.Info("job not cancelable", zap.String("job_id", jobID))
		return false, nil
	}

	metrics.JobsFinishedTotal.WithLabelValues(string(models.StatusCanceled)).Inc()
	q.logger.Info("job canceled", zap.String("job_id", jobID))
	return true, nil
}

// GetJobLogs returns up to limit lines, oldest first.
func (q *Queue) GetJobLogs(ctx context.Context, jobID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	limit = min(limit, MaxLogEntries)

	lines, err := q.store.Logs(ctx, jobID, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(lines)
	return lines, nil
}

// StoreJobLog appends a timestamped line to the job's log.
func (q *Queue) StoreJobLog(ctx context.Context, jobID, message string) error {
	entry := fmt.Sprintf("[%s] %s", q.now().UTC().Format(time.RFC3339Nano), message)
	return q.store.AppendLog(ctx, jobID, entry, MaxLogEntries)
}

func (q *Queue) StoreJobMetric(ctx context.Context, jobID, name, value string) error {
	return q.store.SetMetric(ctx, jobID, name, value)
}

func (q *Queue) GetJobMetrics(ctx context.Context, jobID string) (map[string]string, error) {
	return q.store.Metrics(ctx, jobID)
}

// Stats summarises the queue for dashboards.
type Stats struct {
	Lanes   models.LaneStats       `json:"lanes"`
	Workers []models.WorkerMetrics `json:"workers"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	lanes, err := q.store.LaneLengths(ctx)
	if err != nil {
		return Stats{}, err
	}
	metrics.QueueLength.WithLabelValues("priority").Set(float64(lanes.Priority))
	metrics.QueueLength.WithLabelValues("wait").Set(float64(lanes.Wait))

	workers, err := q.store.GetTopWorkers(ctx, 10)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Lanes: lanes, Workers: workers}, nil
}

// Ping checks the store is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.store.Ping(ctx)
}

// IsNotFound reports whether err means the job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrJobNotFound)
}
