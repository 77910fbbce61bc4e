// Package remote executes job commands over SSH (or a local shell) for the
// worker. Each job gets its own connection which is released on every exit
// path. A positive job timeout races the command; when the timer wins the
// job fails, but the command itself is never signaled and may keep running
// on the host.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ak3tsm7/remote-job-queue/internal/metrics"
	"github.com/ak3tsm7/remote-job-queue/internal/models"
	"github.com/ak3tsm7/remote-job-queue/internal/worker"
)

var (
	_ worker.Executor    = (*Executor)(nil)
	_ worker.AfterRunner = (*Executor)(nil)
)

var (
	ErrNoCommand  = errors.New("no command found in job payload")
	ErrTimeout    = errors.New("job timed out")
	ErrExitStatus = errors.New("non-zero exit status")
	ErrStderr     = errors.New("command wrote to stderr")
)

// MetricStore persists diagnostic snapshots.
type MetricStore interface {
	StoreJobMetric(ctx context.Context, jobID, name, value string) error
}

type Executor struct {
	dialer      Dialer
	store       MetricStore
	diagnostics []models.Diagnostic
	diagTimeout time.Duration
	logger      *zap.Logger
}

type Option func(*Executor)

func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithDiagnostics replaces the default diagnostic commands. An empty list
// disables them.
func WithDiagnostics(d []models.Diagnostic) Option {
	return func(e *Executor) { e.diagnostics = d }
}

func WithDiagnosticTimeout(d time.Duration) Option {
	return func(e *Executor) { e.diagTimeout = d }
}

func NewExecutor(dialer Dialer, store MetricStore, opts ...Option) *Executor {
	e := &Executor{
		dialer:      dialer,
		store:       store,
		diagnostics: models.Diagnostics,
		diagTimeout: 10 * time.Second,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs payload.data. The job fails on a non-zero exit code, on any
// stderr output, or when its timeout expires first.
func (e *Executor) Execute(ctx context.Context, job models.Job, report worker.Reporter) error {
	cmd, ok := job.Command()
	if !ok {
		report("No command found in job.payload.data")
		return ErrNoCommand
	}
	if err := CheckCommand(cmd); err != nil {
		report("Command rejected: " + err.Error())
		return err
	}

	conn, err := e.dialer.Dial(ctx)
	if err != nil {
		report("Connection error: " + err.Error())
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			e.logger.Debug("failed to close connection", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()

	report("Executing remote command: " + cmd)
	e.logger.Info("executing remote command", zap.String("job_id", job.ID), zap.String("command", cmd))

	stdout := &chunkWriter{report: report}
	stderr := &chunkWriter{report: report}

	code, err := race(ctx, job.TimeoutDuration(), func() (int, error) {
		return conn.Run(cmd, stdout, stderr)
	})
	if errors.Is(err, ErrTimeout) {
		// The losing command may still be running; stop streaming it.
		stdout.mute()
		stderr.mute()
		metrics.JobTimeoutsTotal.Inc()
		return fmt.Errorf("%w after %dms", ErrTimeout, job.Timeout)
	}
	if err != nil {
		return fmt.Errorf("remote execution failed: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("%w: %d", ErrExitStatus, code)
	}
	if stderr.wrote.Load() {
		return ErrStderr
	}
	return nil
}

// AfterRun collects the diagnostic snapshots over a fresh connection. Its
// failures are stored as metric text and never change the job's status.
func (e *Executor) AfterRun(ctx context.Context, job models.Job) {
	if len(e.diagnostics) == 0 {
		return
	}

	conn, err := e.dialer.Dial(ctx)
	if err != nil {
		for _, d := range e.diagnostics {
			e.storeMetric(ctx, job.ID, d.Name, "error: "+err.Error())
		}
		return
	}
	defer conn.Close()

	for _, d := range e.diagnostics {
		e.storeMetric(ctx, job.ID, d.Name, e.diagnose(ctx, conn, d))
	}
}

func (e *Executor) diagnose(ctx context.Context, conn Conn, d models.Diagnostic) string {
	var stdout, stderr lockedBuffer
	code, err := race(ctx, e.diagTimeout, func() (int, error) {
		return conn.Run(d.Command, &stdout, &stderr)
	})
	switch {
	case err != nil:
		return "error: " + err.Error()
	case code != 0:
		return fmt.Sprintf("error: exit status %d: %s", code, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String())
}

func (e *Executor) storeMetric(ctx context.Context, jobID, name, value string) {
	if err := e.store.StoreJobMetric(ctx, jobID, name, value); err != nil {
		e.logger.Warn("failed to store metric", zap.String("job_id", jobID), zap.String("metric", name), zap.Error(err))
	}
}

// race runs fn on its own goroutine against a timer. A zero timeout waits
// for fn. The goroutine is left to finish on its own when the timer wins.
func race(ctx context.Context, timeout time.Duration, fn func() (int, error)) (int, error) {
	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := fn()
		done <- result{code: code, err: err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-done:
		return r.code, r.err
	case <-expired:
		return -1, ErrTimeout
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// chunkWriter forwards each output chunk to the reporter. Once mute returns
// no further chunk is reported.
type chunkWriter struct {
	report worker.Reporter
	wrote  atomic.Bool

	mu    sync.Mutex
	muted bool
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.wrote.Store(true)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.muted {
		return len(p), nil
	}
	if chunk := strings.TrimRight(string(p), "\r\n"); chunk != "" {
		w.report(chunk)
	}
	return len(p), nil
}

// mute waits for a chunk that is being reported.
func (w *chunkWriter) mute() {
	w.mu.Lock()
	w.muted = true
	w.mu.Unlock()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
