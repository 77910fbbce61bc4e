// Package worker runs the consumer loop: claim the next job, hand it to an
// Executor, and write the resulting lifecycle transitions back to the queue.
// A Worker processes at most one job at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ak3tsm7/remote-job-queue/internal/metrics"
	"github.com/ak3tsm7/remote-job-queue/internal/models"
	"github.com/ak3tsm7/remote-job-queue/internal/queue"
)

// LogFunc receives every captured output chunk and status line. It is called
// from the executor's output goroutines and must be safe for concurrent use
// and must not block.
type LogFunc func(jobID, message string)

// Reporter narrates one job: the message is appended to the job log and
// forwarded to the registered LogFunc.
type Reporter func(message string)

// Executor runs one claimed job. A nil error means the job completed.
type Executor interface {
	Execute(ctx context.Context, job models.Job, report Reporter) error
}

// AfterRunner is implemented by executors that do follow-up work once the
// job's final status has been written. Anything it stores lands after the
// job is terminal, so a reader that sees completed or failed may briefly
// find that data missing. A timed-out job is not held back by it.
type AfterRunner interface {
	AfterRun(ctx context.Context, job models.Job)
}

var ErrAlreadyRunning = errors.New("worker already running")

type Worker struct {
	queue    *queue.Queue
	executor Executor
	identity models.Worker
	logger   *zap.Logger

	pollWait          time.Duration
	errorBackoff      time.Duration
	heartbeatInterval time.Duration
	heartbeatTTL      time.Duration

	onLog    LogFunc
	inFlight atomic.Bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Worker)

func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithPollWait bounds the blocking pop on the FIFO lane.
func WithPollWait(d time.Duration) Option {
	return func(w *Worker) { w.pollWait = d }
}

// WithErrorBackoff sets the pause after a failed dequeue.
func WithErrorBackoff(d time.Duration) Option {
	return func(w *Worker) { w.errorBackoff = d }
}

// WithHeartbeat sets how often the worker refreshes its liveness key and how
// long the key lives. A zero interval disables heartbeats.
func WithHeartbeat(interval, ttl time.Duration) Option {
	return func(w *Worker) {
		w.heartbeatInterval = interval
		w.heartbeatTTL = ttl
	}
}

func WithWorkerType(workerType string) Option {
	return func(w *Worker) { w.identity = models.NewWorker(workerType) }
}

func New(q *queue.Queue, executor Executor, opts ...Option) *Worker {
	w := &Worker{
		queue:             q,
		executor:          executor,
		identity:          models.NewWorker("ssh"),
		logger:            zap.NewNop(),
		pollWait:          time.Second,
		errorBackoff:      time.Second,
		heartbeatInterval: 3 * time.Second,
		heartbeatTTL:      15 * time.Second,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Worker) ID() string { return w.identity.ID }

// Busy reports whether a job is in flight.
func (w *Worker) Busy() bool { return w.inFlight.Load() }

// Start registers the log callback, repairs jobs orphaned by a dead worker
// and launches the loop. It returns immediately.
func (w *Worker) Start(ctx context.Context, onLog LogFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return ErrAlreadyRunning
	}
	w.running = true
	w.onLog = onLog
	w.stopCh = make(chan struct{})

	w.logger.Info("worker starting",
		zap.String("worker_id", w.identity.ID),
		zap.String("type", w.identity.Type),
		zap.Duration("poll_wait", w.pollWait),
	)

	if w.heartbeatInterval > 0 {
		w.beat(ctx)
		w.wg.Add(1)
		go w.heartbeatLoop(ctx)
	}

	if n, err := w.queue.RecoverOrphans(ctx); err != nil {
		w.logger.Warn("orphan recovery failed", zap.Error(err))
	} else if n > 0 {
		w.logger.Info("recovered orphaned jobs", zap.Int("count", n))
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("worker loop exited", zap.Error(err))
		}
	}()
	return nil
}

// Stop signals the loop to exit after the current iteration and waits for
// it. An in-flight job is allowed to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.logger.Info("worker stopping", zap.String("worker_id", w.identity.ID))
	w.wg.Wait()
	w.logger.Info("worker stopped", zap.String("worker_id", w.identity.ID))
}

// Run is the claim-and-dispatch loop. It returns when ctx is done or Stop
// is called.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopped():
			return nil
		default:
		}

		job, err := w.getNextJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.DequeueErrorsTotal.Inc()
			w.logger.Error("error fetching job", zap.Error(err))
			w.sleep(ctx, w.errorBackoff)
			continue
		}
		if job == nil {
			continue
		}

		w.process(ctx, *job)
	}
}

// getNextJob polls the priority lane first and falls back to a bounded
// blocking pop on the FIFO lane.
func (w *Worker) getNextJob(ctx context.Context) (*models.Job, error) {
	job, err := w.queue.ClaimPriority(ctx)
	if err != nil || job != nil {
		return job, err
	}
	return w.queue.ClaimWait(ctx, w.pollWait)
}

func (w *Worker) process(ctx context.Context, job models.Job) {
	if !w.inFlight.CompareAndSwap(false, true) {
		w.logger.Error("refusing second in-flight job", zap.String("job_id", job.ID))
		return
	}
	defer w.inFlight.Store(false)

	// State writes and logs must land even if the caller cancels mid-job.
	fctx := context.WithoutCancel(ctx)
	log := w.logger.With(zap.String("job_id", job.ID), zap.String("name", job.Name))

	err := w.queue.UpdateState(fctx, job.ID, models.StatusActive, queue.WithWorker(w.identity.ID))
	if errors.Is(err, models.ErrInvalidTransition) {
		log.Info("job is no longer waiting, skipping")
		return
	}
	if err != nil {
		log.Error("failed to mark job active", zap.Error(err))
		w.requeue(fctx, job, log)
		return
	}

	metrics.RunningJobs.Inc()
	defer metrics.RunningJobs.Dec()

	log.Info("job started", zap.Int("priority", job.Priority), zap.Int("timeout_ms", job.Timeout))
	report := w.reporter(fctx, job.ID)

	start := time.Now()
	execErr := w.execute(ctx, job, report)
	duration := time.Since(start)

	status := models.StatusCompleted
	if execErr != nil {
		status = models.StatusFailed
		report(fmt.Sprintf("Job failed: %v", execErr))
		log.Warn("job failed", zap.Duration("duration", duration), zap.Error(execErr))
	} else {
		log.Info("job completed", zap.Duration("duration", duration))
	}

	if err := w.queue.UpdateState(fctx, job.ID, status); err != nil {
		log.Error("failed to write final status", zap.String("status", string(status)), zap.Error(err))
	}
	metrics.JobDurationSeconds.WithLabelValues(w.identity.Type, string(status)).Observe(duration.Seconds())

	if err := w.queue.RecordRun(fctx, w.identity, duration, status); err != nil {
		log.Warn("failed to update worker metrics", zap.Error(err))
	}

	if ar, ok := w.executor.(AfterRunner); ok {
		ar.AfterRun(fctx, job)
	}
}

// requeue returns a job that was popped but never activated to its lane.
// If that fails too, RecoverOrphans picks it up on the next worker start.
func (w *Worker) requeue(ctx context.Context, job models.Job, log *zap.Logger) {
	ok, err := w.queue.Requeue(ctx, job)
	switch {
	case err != nil:
		log.Error("failed to requeue job", zap.Error(err))
	case ok:
		log.Info("job requeued")
	}
}

// execute runs the executor, converting a panic into a job failure.
func (w *Worker) execute(ctx context.Context, job models.Job, report Reporter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("executor panicked", zap.String("job_id", job.ID), zap.Any("panic", r))
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return w.executor.Execute(ctx, job, report)
}

func (w *Worker) reporter(ctx context.Context, jobID string) Reporter {
	return func(message string) {
		if err := w.queue.StoreJobLog(ctx, jobID, message); err != nil {
			w.logger.Warn("failed to store job log", zap.String("job_id", jobID), zap.Error(err))
		}
		if w.onLog != nil {
			w.onLog(jobID, message)
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	if err := w.queue.Heartbeat(ctx, w.identity.ID, w.heartbeatTTL); err != nil {
		w.logger.Warn("heartbeat failed", zap.Error(err))
	}
}

func (w *Worker) stopped() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopCh
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	case <-w.stopped():
	}
}
