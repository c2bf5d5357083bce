package incident

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/agentforge/control_plane/store"
	"github.com/itskum47/agentforge/control_plane/timeline"
)

func TestCaptureIncident(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.UpsertAgent(ctx, &store.Agent{ID: "a1", Status: store.AgentError}))
	require.NoError(t, s.UpsertTask(ctx, &store.Task{ID: "t1", Status: store.TaskFailed, ExecutionMode: store.ModeImmediate}))
	require.NoError(t, s.CreateExecution(ctx, &store.Execution{
		ID: "e1", TaskID: "t1", AgentID: "a1", Status: store.ExecutionFailed, CreatedAt: time.Now(),
	}))

	tl := timeline.NewStore(16)
	tl.Record(timeline.JobEvent{JobID: "j", TaskID: "t1", ExecutionID: "e1", Stage: timeline.StageStarted})
	tl.Record(timeline.JobEvent{JobID: "j", TaskID: "t1", ExecutionID: "e1", Stage: timeline.StageRetrying})
	tl.Record(timeline.JobEvent{JobID: "j0", TaskID: "t1", ExecutionID: "e0", Stage: timeline.StageFinished})

	report, err := CaptureIncident(ctx, s, tl, "e1")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, "t1", report.Task.ID)
	assert.Len(t, report.Events, 2)
	assert.Equal(t, "remote server unavailable; agent moved to ERROR", report.Analysis)

	report, err = CaptureIncident(ctx, s, tl, "missing")
	require.NoError(t, err)
	assert.Nil(t, report)
}
