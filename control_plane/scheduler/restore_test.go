package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/agentforge/control_plane/queue"
	"github.com/itskum47/agentforge/control_plane/store"
	"github.com/itskum47/agentforge/control_plane/streaming"
)

func newRedisTestQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q, err := queue.NewRedisQueueWithClient(context.Background(), client, "test:queue")
	require.NoError(t, err)
	return q
}

// newProcess builds a scheduler the way serve does after a restart: same
// store and queue, fresh in-process state.
func newProcess(t *testing.T, st store.Store, q queue.Queue) *Scheduler {
	t.Helper()
	events := streaming.NewBroadcaster()
	t.Cleanup(func() { _ = events.Close() })
	return New(Config{Concurrency: 1}, Dependencies{
		Store:  st,
		Queue:  q,
		Remote: &fakeRemote{run: succeed("ok")},
		Events: events,
	})
}

func seedStore(t *testing.T, tasks ...*store.Task) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertServer(ctx, &store.Server{ID: "srv1", URL: "http://srv1"}))
	require.NoError(t, st.UpsertAgent(ctx, &store.Agent{ID: "a1", ServerID: "srv1", Status: store.AgentActive}))
	for _, task := range tasks {
		require.NoError(t, st.UpsertTask(ctx, task))
	}
	return st
}

func TestRestoreKeepsDelayedJobInDurableQueue(t *testing.T) {
	ctx := context.Background()
	st := seedStore(t, &store.Task{
		ID: "later", Title: "Later", Prompt: "p", AgentID: "a1",
		Status: store.TaskPending, ExecutionMode: store.ModeScheduled,
	})
	q := newRedisTestQueue(t)

	_, err := newProcess(t, st, q).ScheduleTask(ctx, "later", "", "", ScheduleOptions{Delay: time.Hour})
	require.NoError(t, err)

	task, err := st.GetTask(ctx, "later")
	require.NoError(t, err)
	require.NotNil(t, task.NextRunAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *task.NextRunAt, time.Minute)

	restored, err := newProcess(t, st, q).RestoreOnStartup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Waiting)
	assert.Equal(t, int64(1), stats.Delayed)
}

func TestRestoreUsesPersistedRunTimeWhenQueueIsLost(t *testing.T) {
	ctx := context.Background()
	st := seedStore(t, &store.Task{
		ID: "later", Title: "Later", Prompt: "p", AgentID: "a1",
		Status: store.TaskPending, ExecutionMode: store.ModeScheduled,
	})

	first := queue.NewMemoryQueue()
	defer first.Close()
	_, err := newProcess(t, st, first).ScheduleTask(ctx, "later", "", "", ScheduleOptions{Delay: time.Hour})
	require.NoError(t, err)

	fresh := queue.NewMemoryQueue()
	defer fresh.Close()
	restored, err := newProcess(t, st, fresh).RestoreOnStartup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	stats, err := fresh.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Waiting)
	assert.Equal(t, int64(1), stats.Delayed)
}

func TestRestoreClearsJobsLeftActive(t *testing.T) {
	ctx := context.Background()
	st := seedStore(t, &store.Task{
		ID: "now", Title: "Now", Prompt: "p", AgentID: "a1",
		Status: store.TaskPending, ExecutionMode: store.ModeImmediate,
	})
	q := newRedisTestQueue(t)

	jobID, err := newProcess(t, st, q).ScheduleTask(ctx, "now", "", "", ScheduleOptions{})
	require.NoError(t, err)
	// The previous process dequeued the job and died before running it.
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, jobID, j.ID)

	restored, err := newProcess(t, st, q).RestoreOnStartup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(1), stats.Waiting)
	assert.Equal(t, int64(1), stats.Failed)

	pending, err := q.Pending(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, pending)
}
