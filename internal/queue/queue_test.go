package queue

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ak3tsm7/remote-job-queue/internal/models"
	redisq "github.com/ak3tsm7/remote-job-queue/internal/redis"
)

func newTestQueue(t *testing.T) (*Queue, *redisq.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := redisq.New(client, "queue:test")
	return New(store, WithLogger(zaptest.NewLogger(t))), store, mr
}

func cmdConfig(name, cmd string, priority int) models.JobConfig {
	return models.JobConfig{Name: name, Priority: priority, Payload: map[string]any{"data": cmd}}
}

func TestAdd_RoundTrip(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()

	cfg := cmdConfig("t1", "echo hi", 0)
	cfg.Timeout = 100
	id, err := q.Add(ctx, cfg)
	require.NoError(t, err)

	m, err := q.GetJobMetadata(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, m.ID)
	assert.Equal(t, "t1", m.Name)
	assert.Equal(t, 0, m.Priority)
	assert.Equal(t, map[string]any{"data": "echo hi"}, m.Payload)
	assert.Equal(t, models.StatusWaiting, m.Status)
	assert.Equal(t, 1, m.Attempts)
	assert.Equal(t, 100, m.Timeout)
	assert.Nil(t, m.StartedAt)
	assert.Nil(t, m.FinishedAt)

	// The lane copy carries the same creation time as the record.
	j, err := store.PopWait(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.True(t, j.CreatedAt.Equal(m.CreatedAt))
}

func TestAdd_Validation(t *testing.T) {
	q, _, mr := newTestQueue(t)
	ctx := context.Background()

	bad := []models.JobConfig{
		{Name: "", Payload: map[string]any{"data": "ls"}},
		{Name: "neg", Priority: -1},
		{Name: "neg-timeout", Timeout: -5},
		{Name: "neg-delay", Delay: -5},
		{Name: "neg-attempts", Attempts: -2},
	}
	for _, cfg := range bad {
		_, err := q.Add(ctx, cfg)
		assert.ErrorIs(t, err, models.ErrInvalidJob, "config %+v", cfg)
	}
	assert.Empty(t, mr.Keys())
}

func TestGetJobMetadata_NotFound(t *testing.T) {
	q, _, _ := newTestQueue(t)

	_, err := q.GetJobMetadata(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

func TestGetAllJobs(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	ids := map[string]bool{}
	for i := range 3 {
		id, err := q.Add(ctx, cmdConfig(fmt.Sprintf("j%d", i), "true", i))
		require.NoError(t, err)
		ids[id] = true
	}

	jobs, err := q.GetAllJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.True(t, ids[j.ID])
	}
}

func TestUpdateState_EnforcesTransitions(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Add(ctx, cmdConfig("s", "true", 0))
	require.NoError(t, err)

	assert.ErrorIs(t, q.UpdateState(ctx, id, models.StatusCompleted), models.ErrInvalidTransition)
	assert.ErrorIs(t, q.UpdateState(ctx, id, models.Status("bogus")), models.ErrInvalidTransition)

	require.NoError(t, q.UpdateState(ctx, id, models.StatusActive, WithWorker("w-9")))
	require.NoError(t, q.UpdateState(ctx, id, models.StatusFailed))

	m, err := q.GetJobMetadata(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, m.Status)
	assert.Equal(t, "w-9", m.WorkerID)
	assert.NotNil(t, m.StartedAt)
	assert.NotNil(t, m.FinishedAt)

	assert.ErrorIs(t, q.UpdateState(ctx, id, models.StatusActive), models.ErrInvalidTransition)
	assert.ErrorIs(t, q.UpdateState(ctx, "missing", models.StatusActive), models.ErrJobNotFound)
}

func TestCancelJob_Waiting(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	prioID, err := q.Add(ctx, cmdConfig("p", "true", 9))
	require.NoError(t, err)
	waitID, err := q.Add(ctx, cmdConfig("w", "true", 0))
	require.NoError(t, err)

	for _, id := range []string{prioID, waitID} {
		ok, err := q.CancelJob(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		m, err := q.GetJobMetadata(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCanceled, m.Status)
	}

	j, err := q.ClaimPriority(ctx)
	require.NoError(t, err)
	assert.Nil(t, j)
	j, err = q.ClaimWait(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestCancelJob_NotWaiting(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	for _, final := range []models.Status{models.StatusActive, models.StatusCompleted, models.StatusFailed, models.StatusCanceled} {
		id, err := q.Add(ctx, cmdConfig(string(final), "true", 0))
		require.NoError(t, err)

		switch final {
		case models.StatusCanceled:
			ok, err := q.CancelJob(ctx, id)
			require.NoError(t, err)
			require.True(t, ok)
		default:
			_, err = q.ClaimWait(ctx, time.Second)
			require.NoError(t, err)
			require.NoError(t, q.UpdateState(ctx, id, models.StatusActive))
			if final != models.StatusActive {
				require.NoError(t, q.UpdateState(ctx, id, final))
			}
		}

		ok, err := q.CancelJob(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, "cancel from %s", final)

		m, err := q.GetJobMetadata(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, final, m.Status)
	}

	ok, err := q.CancelJob(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetJobLogs_OldestFirstAndBounded(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	for i := range 1200 {
		require.NoError(t, q.StoreJobLog(ctx, "j", fmt.Sprintf("msg %d", i)))
	}

	logs, err := q.GetJobLogs(ctx, "j", 0)
	require.NoError(t, err)
	require.Len(t, logs, DefaultLogLimit)
	assert.True(t, strings.HasSuffix(logs[0], "msg 1100"))
	assert.True(t, strings.HasSuffix(logs[99], "msg 1199"))

	logs, err = q.GetJobLogs(ctx, "j", 5000)
	require.NoError(t, err)
	require.Len(t, logs, MaxLogEntries)
	assert.True(t, strings.HasSuffix(logs[0], "msg 200"))

	logs, err = q.GetJobLogs(ctx, "j", 3)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}

func TestStoreJobLog_Timestamped(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := New(redisq.New(client, "queue:test"), WithClock(func() time.Time { return fixed }))

	require.NoError(t, q.StoreJobLog(context.Background(), "j", "hi"))
	logs, err := q.GetJobLogs(context.Background(), "j", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"[2026-01-02T03:04:05Z] hi"}, logs)
}

func TestJobMetrics(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.StoreJobMetric(ctx, "j", "Disk Usage", "42%"))
	m, err := q.GetJobMetrics(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, "42%", m["Disk Usage"])
}

func TestRecoverOrphans(t *testing.T) {
	q, _, mr := newTestQueue(t)
	ctx := context.Background()

	lost, err := q.Add(ctx, cmdConfig("lost", "true", 2))
	require.NoError(t, err)
	live, err := q.Add(ctx, cmdConfig("live", "true", 1))
	require.NoError(t, err)
	waiting, err := q.Add(ctx, cmdConfig("waiting", "true", 0))
	require.NoError(t, err)

	require.NoError(t, q.Heartbeat(ctx, "dead-worker", 5*time.Second))
	require.NoError(t, q.UpdateState(ctx, lost, models.StatusActive, WithWorker("dead-worker")))
	mr.FastForward(10 * time.Second)

	require.NoError(t, q.Heartbeat(ctx, "live-worker", 15*time.Second))
	require.NoError(t, q.UpdateState(ctx, live, models.StatusActive, WithWorker("live-worker")))

	n, err := q.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	statuses := map[string]models.Status{lost: models.StatusFailed, live: models.StatusActive, waiting: models.StatusWaiting}
	for id, want := range statuses {
		m, err := q.GetJobMetadata(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, m.Status)
	}

	logs, err := q.GetJobLogs(ctx, lost, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0], "worker lost")
}

func TestRecoverOrphans_RequeuesStrandedWaitingJob(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Add(ctx, cmdConfig("stranded", "true", 0))
	require.NoError(t, err)
	queued, err := q.Add(ctx, cmdConfig("queued", "true", 0))
	require.NoError(t, err)

	// Popped by a worker that never got to mark it active.
	job, err := q.ClaimWait(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)

	ok, err := q.CancelJob(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := q.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Both jobs are in a lane now, so a second pass has nothing to repair.
	n, err = q.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Back at the head of the FIFO lane, ahead of the later job.
	next, err := q.ClaimWait(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, id, next.ID)

	next, err = q.ClaimWait(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, queued, next.ID)
}

func TestStats(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, cmdConfig("a", "true", 3))
	require.NoError(t, err)
	_, err = q.Add(ctx, cmdConfig("b", "true", 0))
	require.NoError(t, err)
	w := models.Worker{ID: "w", Type: "local"}
	require.NoError(t, q.RecordRun(ctx, w, 50*time.Millisecond, models.StatusCompleted))
	require.NoError(t, q.RecordRun(ctx, w, 70*time.Millisecond, models.StatusFailed))

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.LaneStats{Priority: 1, Wait: 1}, st.Lanes)
	require.Len(t, st.Workers, 1)
	assert.Equal(t, int64(1), st.Workers[0].Completed)
	assert.Equal(t, int64(1), st.Workers[0].Failed)
	assert.Equal(t, int64(2), st.Workers[0].JobsDone())
}
