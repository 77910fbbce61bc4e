package redisq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ak3tsm7/remote-job-queue/internal/models"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "queue:test"), mr
}

func newJob(name string, priority int) models.Job {
	return models.NewJob(models.JobConfig{
		Name:     name,
		Priority: priority,
		Payload:  map[string]any{"data": "echo " + name},
	})
}

func TestEnqueueJob_PriorityLane(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	j := newJob("urgent", 7)
	require.NoError(t, s.EnqueueJob(ctx, j))

	members, err := mr.ZMembers("queue:test:priority")
	require.NoError(t, err)
	assert.Len(t, members, 1)
	assert.False(t, mr.Exists("queue:test:wait"))

	m, err := s.GetMetadata(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, m.Status)
	assert.Equal(t, 7, m.Priority)
}

func TestEnqueueJob_WaitLane(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	j := newJob("plain", 0)
	require.NoError(t, s.EnqueueJob(ctx, j))

	items, err := mr.List("queue:test:wait")
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.False(t, mr.Exists("queue:test:priority"))

	stats, err := s.LaneLengths(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.LaneStats{Priority: 0, Wait: 1}, stats)
}

func TestEnqueueJob_NothingWrittenOnFailure(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	mr.SetError("LOADING redis is loading")
	err := s.EnqueueJob(ctx, newJob("doomed", 2))
	require.Error(t, err)
	mr.SetError("")

	assert.Empty(t, mr.Keys())
}

func TestPopPriority_HighestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, p := range []int{1, 5, 3} {
		require.NoError(t, s.EnqueueJob(ctx, newJob(fmt.Sprintf("p%d", p), p)))
	}

	var got []int
	for range 3 {
		j, err := s.PopPriority(ctx)
		require.NoError(t, err)
		require.NotNil(t, j)
		got = append(got, j.Priority)
	}
	assert.Equal(t, []int{5, 3, 1}, got)

	j, err := s.PopPriority(ctx)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestPopWait_FIFOOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	names := []string{"b1", "b2", "b3"}
	for _, n := range names {
		require.NoError(t, s.EnqueueJob(ctx, newJob(n, 0)))
	}

	for _, want := range names {
		j, err := s.PopWait(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, want, j.Name)
	}
}

func TestPopWait_ReturnsNilAfterTimeout(t *testing.T) {
	s, _ := newTestStore(t)

	start := time.Now()
	j, err := s.PopWait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, j)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPopPriority_UndecodableMember(t *testing.T) {
	s, mr := newTestStore(t)

	_, err := mr.ZAdd("queue:test:priority", 3, "not json")
	require.NoError(t, err)

	j, err := s.PopPriority(context.Background())
	assert.Error(t, err)
	assert.Nil(t, j)
}

func TestSetStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	j := newJob("life", 0)
	require.NoError(t, s.EnqueueJob(ctx, j))

	now := time.Now()
	require.NoError(t, s.SetStatus(ctx, j.ID, models.StatusActive, "w-1", now))

	m, err := s.GetMetadata(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, m.Status)
	require.NotNil(t, m.StartedAt)
	assert.Nil(t, m.FinishedAt)
	assert.Equal(t, "w-1", m.WorkerID)

	require.NoError(t, s.SetStatus(ctx, j.ID, models.StatusCompleted, "", now.Add(time.Second)))
	m, err = s.GetMetadata(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, m.Status)
	require.NotNil(t, m.FinishedAt)
	assert.True(t, m.FinishedAt.After(*m.StartedAt))

	err = s.SetStatus(ctx, j.ID, models.StatusActive, "", now)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	err = s.SetStatus(ctx, "missing", models.StatusActive, "", now)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestCancelWaiting(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	prio := newJob("prio", 4)
	plain := newJob("plain", 0)
	require.NoError(t, s.EnqueueJob(ctx, prio))
	require.NoError(t, s.EnqueueJob(ctx, plain))

	ok, err := s.CancelWaiting(ctx, prio.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CancelWaiting(ctx, plain.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.False(t, mr.Exists("queue:test:priority"))
	assert.False(t, mr.Exists("queue:test:wait"))

	for _, id := range []string{prio.ID, plain.ID} {
		m, err := s.GetMetadata(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCanceled, m.Status)
	}

	// Terminal now.
	ok, err = s.CancelWaiting(ctx, prio.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CancelWaiting(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelWaiting_AlreadyClaimed(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	j := newJob("raced", 2)
	require.NoError(t, s.EnqueueJob(ctx, j))

	popped, err := s.PopPriority(ctx)
	require.NoError(t, err)
	require.NotNil(t, popped)

	ok, err := s.CancelWaiting(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	m, err := s.GetMetadata(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, m.Status)
}

func TestRequeue(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	prio := newJob("prio", 4)
	fifo := newJob("fifo", 0)
	later := newJob("later", 0)
	for _, j := range []models.Job{prio, fifo, later} {
		require.NoError(t, s.EnqueueJob(ctx, j))
	}

	// Still in its lane: nothing to do.
	ok, err := s.Requeue(ctx, prio)
	require.NoError(t, err)
	assert.False(t, ok)

	popped, err := s.PopPriority(ctx)
	require.NoError(t, err)
	require.Equal(t, prio.ID, popped.ID)
	popped, err = s.PopWait(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, fifo.ID, popped.ID)

	ok, err = s.Requeue(ctx, prio)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Requeue(ctx, fifo)
	require.NoError(t, err)
	assert.True(t, ok)

	members, err := mr.ZMembers("queue:test:priority")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	popped, err = s.PopWait(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, fifo.ID, popped.ID, "requeued job goes back to the head")

	// A job that moved on is left alone.
	require.NoError(t, s.SetStatus(ctx, fifo.ID, models.StatusActive, "w", time.Now()))
	ok, err = s.Requeue(ctx, fifo)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Requeue(ctx, newJob("unknown", 0))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListMetadata(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, s.EnqueueJob(ctx, newJob(fmt.Sprintf("j%d", i), i)))
	}
	require.NoError(t, s.AppendLog(ctx, "unrelated", "line", 10))

	jobs, err := s.ListMetadata(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 5)
}

func TestAppendLog_TrimsToCap(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := range 1005 {
		require.NoError(t, s.AppendLog(ctx, "j", fmt.Sprintf("line %d", i), 1000))
	}

	lines, err := s.Logs(ctx, "j", 2000)
	require.NoError(t, err)
	assert.Len(t, lines, 1000)
	assert.Equal(t, "line 1004", lines[0])
	assert.Equal(t, "line 5", lines[999])
}

func TestMetrics_LastWriteWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetMetric(ctx, "j", "Disk Usage", "10%"))
	require.NoError(t, s.SetMetric(ctx, "j", "Disk Usage", "11%"))
	require.NoError(t, s.SetMetric(ctx, "j", "Memory Usage", "512M"))

	m, err := s.Metrics(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Disk Usage": "11%", "Memory Usage": "512M"}, m)
}

func TestHeartbeat(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Heartbeat(ctx, "w", 15*time.Second))
	alive, err := s.WorkerAlive(ctx, "w")
	require.NoError(t, err)
	assert.True(t, alive)

	mr.FastForward(16 * time.Second)
	alive, err = s.WorkerAlive(ctx, "w")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestUpdateWorkerMetrics(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateWorkerMetrics(ctx, "fast", "local", 100*time.Millisecond, models.StatusCompleted))
	require.NoError(t, s.UpdateWorkerMetrics(ctx, "fast", "local", 200*time.Millisecond, models.StatusFailed))
	require.NoError(t, s.UpdateWorkerMetrics(ctx, "slow", "ssh", time.Second, models.StatusCompleted))

	m, err := s.GetWorkerMetrics(ctx, "fast")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "local", m.WorkerType)
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(2), m.JobsDone())
	assert.Equal(t, models.StatusFailed, m.LastStatus)
	require.NotNil(t, m.LastRunAt)
	assert.InDelta(t, 120.0, m.AvgLatencyMs, 0.01)

	top, err := s.GetTopWorkers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "fast", top[0].WorkerID)
	assert.Equal(t, "slow", top[1].WorkerID)
	assert.Equal(t, int64(1), top[1].Completed)

	top, err = s.GetTopWorkers(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)

	m, err = s.GetWorkerMetrics(ctx, "idle")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestUpdateWorkerMetrics_RejectsNonTerminalStatus(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	err := s.UpdateWorkerMetrics(ctx, "w", "local", time.Millisecond, models.StatusActive)
	assert.ErrorContains(t, err, "must be completed or failed")
	assert.False(t, mr.Exists("worker:metrics:w"))
}
