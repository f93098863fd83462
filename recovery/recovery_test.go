package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/aqueduct/internal/profile"
	"github.com/hrygo/aqueduct/store"
	"github.com/hrygo/aqueduct/store/db/sqlite"
	"github.com/hrygo/aqueduct/workflow"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "engine.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func registryWith(t *testing.T, names ...string) *workflow.Registry {
	t.Helper()
	r := workflow.NewRegistry()
	for _, name := range names {
		wf, err := workflow.NewBuilder(name).Task("t").Build()
		require.NoError(t, err)
		require.NoError(t, r.Register(wf))
	}
	return r
}

// claimTask simulates a worker that claimed a task and then died.
func claimTask(t *testing.T, st *store.Store, pipelineID uuid.UUID) *store.TaskClaim {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.MarkTasksReady(ctx, pipelineID, []string{"t"}))
	claims, err := st.ClaimReadyTasks(ctx, 1, "dead-worker")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	return claims[0]
}

func TestSweepResetsOrphanedTask(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p, err := st.CreatePipelineExecution(ctx, &store.CreatePipelineExecution{
		WorkflowName: "wf", WorkflowVersion: "v1", TaskNames: []string{"t"},
	})
	require.NoError(t, err)
	claim := claimTask(t, st, p.ID)

	rec := New(st, registryWith(t, "wf"), Config{
		HeartbeatThreshold: time.Nanosecond,
	}, nil)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, rec.Sweep(ctx))

	te, err := st.GetTaskExecution(ctx, claim.TaskExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskReady, te.Status)
	assert.Equal(t, 1, te.Attempt)

	// The reset task is claimable again; a healthy worker finishes it.
	claims, err := st.ClaimReadyTasks(ctx, 1, "healthy-worker")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, claim.TaskExecutionID, claims[0].TaskExecutionID)
	assert.Equal(t, 1, claims[0].Attempt)
}

func TestSweepIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p, err := st.CreatePipelineExecution(ctx, &store.CreatePipelineExecution{
		WorkflowName: "wf", WorkflowVersion: "v1", TaskNames: []string{"t"},
	})
	require.NoError(t, err)
	claimTask(t, st, p.ID)

	rec := New(st, registryWith(t, "wf"), Config{HeartbeatThreshold: time.Nanosecond}, nil)

	time.Sleep(5 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Sweep(ctx))
	}

	// Exactly one recovery event despite three sweeps.
	events, err := st.ListRecoveryEvents(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.RecoveryTaskReset, events[0].EventType)

	execs, err := st.ListTaskExecutions(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskReady, execs[0].Status)
	assert.Equal(t, 1, execs[0].Attempt)
}

func TestSweepFailsPipelineWithUnavailableWorkflow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p, err := st.CreatePipelineExecution(ctx, &store.CreatePipelineExecution{
		WorkflowName: "gone", WorkflowVersion: "v1", TaskNames: []string{"t"},
	})
	require.NoError(t, err)

	rec := New(st, registryWith(t), Config{HeartbeatThreshold: time.Hour}, nil)
	require.NoError(t, rec.Sweep(ctx))

	got, err := st.GetPipelineExecution(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PipelineFailed, got.Status)
	require.NotNil(t, got.ErrorDetails)
	assert.Contains(t, *got.ErrorDetails, "workflow unavailable")

	events, err := st.ListRecoveryEvents(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.RecoveryWorkflowUnavailable, events[0].EventType)
}

func TestSweepAbandonsStalledPipelineAfterMaxAttempts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p, err := st.CreatePipelineExecution(ctx, &store.CreatePipelineExecution{
		WorkflowName: "wf", WorkflowVersion: "v1", TaskNames: []string{"t"},
	})
	require.NoError(t, err)

	// All tasks terminal but the pipeline never closed: a lost
	// scheduler pass.
	require.NoError(t, st.MarkTasksReady(ctx, p.ID, []string{"t"}))
	claims, err := st.ClaimReadyTasks(ctx, 1, "w")
	require.NoError(t, err)
	require.NoError(t, st.FailTaskExecution(ctx, claims[0].TaskExecutionID, "boom"))

	rec := New(st, registryWith(t, "wf"), Config{
		HeartbeatThreshold:          time.Hour,
		MaxPipelineRecoveryAttempts: 2,
	}, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Sweep(ctx))
	}

	got, err := st.GetPipelineExecution(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PipelineFailed, got.Status)
	require.NotNil(t, got.ErrorDetails)
	assert.Equal(t, "unrecoverable", *got.ErrorDetails)
}
