package store_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/aqueduct/internal/profile"
	"github.com/hrygo/aqueduct/store"
	"github.com/hrygo/aqueduct/store/db/sqlite"
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

func createPipeline(t *testing.T, st *store.Store, tasks ...string) *store.PipelineExecution {
	t.Helper()
	p, err := st.CreatePipelineExecution(context.Background(), &store.CreatePipelineExecution{
		WorkflowName:    "wf",
		WorkflowVersion: "v1",
		ContextJSON:     []byte(`{"input":1}`),
		TaskNames:       tasks,
	})
	require.NoError(t, err)
	return p
}

func taskByName(t *testing.T, st *store.Store, pipelineID uuid.UUID, name string) *store.TaskExecution {
	t.Helper()
	execs, err := st.ListTaskExecutions(context.Background(), pipelineID)
	require.NoError(t, err)
	for _, te := range execs {
		if te.TaskName == name {
			return te
		}
	}
	t.Fatalf("task %s not found", name)
	return nil
}

func TestCreatePipelineInitializesTasksAndEvents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := createPipeline(t, st, "a", "b")
	assert.Equal(t, store.PipelineRunning, p.Status)
	require.NotNil(t, p.ContextID)

	execs, err := st.ListTaskExecutions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	for _, te := range execs {
		assert.Equal(t, store.TaskNotStarted, te.Status)
		assert.Equal(t, 1, te.Attempt)
	}

	events, err := st.ListExecutionEvents(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventPipelineStarted, events[0].EventType)
}

func TestMarkReadyClaimCompleteEmitsOrderedEvents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := createPipeline(t, st, "a")
	require.NoError(t, st.MarkTasksReady(ctx, p.ID, []string{"a"}))

	claims, err := st.ClaimReadyTasks(ctx, 10, "worker-1")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "a", claims[0].TaskName)
	assert.Equal(t, 1, claims[0].Attempt)

	contextID, err := st.CreateContext(ctx, []byte(`{"out":2}`))
	require.NoError(t, err)
	require.NoError(t, st.CompleteTaskExecution(ctx, claims[0].TaskExecutionID, &contextID))

	events, err := st.ListExecutionEvents(ctx, p.ID)
	require.NoError(t, err)
	var kinds []store.ExecutionEventType
	var prevSeq int64
	for _, e := range events {
		kinds = append(kinds, e.EventType)
		assert.Greater(t, e.SequenceNum, prevSeq, "sequence numbers must be strictly increasing")
		prevSeq = e.SequenceNum
	}
	assert.Equal(t, []store.ExecutionEventType{
		store.EventPipelineStarted,
		store.EventTaskReady,
		store.EventTaskClaimed,
		store.EventTaskCompleted,
	}, kinds)

	claimed := events[2]
	require.NotNil(t, claimed.WorkerID)
	assert.Equal(t, "worker-1", *claimed.WorkerID)

	te := taskByName(t, st, p.ID, "a")
	assert.Equal(t, store.TaskCompleted, te.Status)
	require.NotNil(t, te.ContextID)
	assert.Equal(t, contextID, *te.ContextID)
}

func TestClaimsNeverOverlap(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	taskNames := []string{"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7"}
	p := createPipeline(t, st, taskNames...)
	require.NoError(t, st.MarkTasksReady(ctx, p.ID, taskNames))

	var mu sync.Mutex
	seen := make(map[uuid.UUID]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claims, err := st.ClaimReadyTasks(ctx, 2, "w")
				if !assert.NoError(t, err) {
					return
				}
				if len(claims) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claims {
					seen[c.TaskExecutionID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, len(taskNames))
	for id, count := range seen {
		assert.Equal(t, 1, count, "task %s claimed more than once", id)
	}
}

func TestRetryDelayGatesClaims(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := createPipeline(t, st, "flaky")
	require.NoError(t, st.MarkTasksReady(ctx, p.ID, []string{"flaky"}))
	claims, err := st.ClaimReadyTasks(ctx, 1, "w")
	require.NoError(t, err)
	require.Len(t, claims, 1)

	retryAt := time.Now().UTC().Add(150 * time.Millisecond)
	require.NoError(t, st.ScheduleTaskRetry(ctx, claims[0].TaskExecutionID, retryAt))

	te := taskByName(t, st, p.ID, "flaky")
	assert.Equal(t, store.TaskReady, te.Status)
	assert.Equal(t, 2, te.Attempt)
	require.NotNil(t, te.RetryAt)
	assert.Nil(t, te.StartedAt)

	// Not claimable before retry_at.
	early, err := st.ClaimReadyTasks(ctx, 1, "w")
	require.NoError(t, err)
	assert.Empty(t, early)

	time.Sleep(200 * time.Millisecond)
	late, err := st.ClaimReadyTasks(ctx, 1, "w")
	require.NoError(t, err)
	require.Len(t, late, 1)
	assert.Equal(t, 2, late[0].Attempt)
}

func TestFailTaskAndPipeline(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := createPipeline(t, st, "a", "b")
	require.NoError(t, st.MarkTasksReady(ctx, p.ID, []string{"a"}))
	claims, err := st.ClaimReadyTasks(ctx, 1, "w")
	require.NoError(t, err)
	require.Len(t, claims, 1)

	require.NoError(t, st.FailTaskExecution(ctx, claims[0].TaskExecutionID, "boom"))
	require.NoError(t, st.SkipTasks(ctx, p.ID, []string{"b"}))
	require.NoError(t, st.FailPipelineExecution(ctx, p.ID, "task a failed: boom"))

	got, err := st.GetPipelineExecution(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PipelineFailed, got.Status)
	require.NotNil(t, got.ErrorDetails)
	assert.Contains(t, *got.ErrorDetails, "boom")
	require.NotNil(t, got.CompletedAt)

	// Terminal pipelines are never mutated again.
	require.NoError(t, st.CompletePipelineExecution(ctx, p.ID, nil))
	got, err = st.GetPipelineExecution(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PipelineFailed, got.Status)

	assert.Equal(t, store.TaskSkipped, taskByName(t, st, p.ID, "b").Status)
}

func TestCancelPipelineStopsClaims(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := createPipeline(t, st, "a")
	require.NoError(t, st.MarkTasksReady(ctx, p.ID, []string{"a"}))
	require.NoError(t, st.CancelPipelineExecution(ctx, p.ID))

	claims, err := st.ClaimReadyTasks(ctx, 10, "w")
	require.NoError(t, err)
	assert.Empty(t, claims)

	got, err := st.GetPipelineExecution(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PipelineCancelled, got.Status)

	// No further enqueues after cancel.
	require.NoError(t, st.MarkTasksReady(ctx, p.ID, []string{"a"}))
	claims, err = st.ClaimReadyTasks(ctx, 10, "w")
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestResetOrphanedTaskIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := createPipeline(t, st, "t")
	require.NoError(t, st.MarkTasksReady(ctx, p.ID, []string{"t"}))
	claims, err := st.ClaimReadyTasks(ctx, 1, "w")
	require.NoError(t, err)
	require.Len(t, claims, 1)

	orphans, err := st.ListOrphanedTasks(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	reset, err := st.ResetOrphanedTask(ctx, claims[0].TaskExecutionID, "worker died")
	require.NoError(t, err)
	assert.True(t, reset)

	// A second recovery pass observes the already-reset row.
	reset, err = st.ResetOrphanedTask(ctx, claims[0].TaskExecutionID, "worker died")
	require.NoError(t, err)
	assert.False(t, reset)

	te := taskByName(t, st, p.ID, "t")
	assert.Equal(t, store.TaskReady, te.Status)
	assert.Equal(t, 1, te.Attempt, "recovery must not burn an attempt")

	reclaims, err := st.ClaimReadyTasks(ctx, 1, "w2")
	require.NoError(t, err)
	require.Len(t, reclaims, 1)
	assert.Equal(t, 1, reclaims[0].Attempt)

	recEvents, err := st.ListRecoveryEvents(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, recEvents, 1)
	assert.Equal(t, store.RecoveryTaskReset, recEvents[0].EventType)
}

func TestCronClaimExactlyOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	schedule, err := st.CreateCronSchedule(ctx, &store.CronSchedule{
		WorkflowName:   "nightly",
		CronExpression: "0 0 * * *",
		Timezone:       "UTC",
		Enabled:        true,
		CatchupPolicy:  store.CatchupSkip,
		NextRunAt:      now.Add(-time.Minute),
	})
	require.NoError(t, err)

	due, err := st.GetDueCronSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	nextRun := now.Add(24 * time.Hour)
	won1, err := st.ClaimDueCronSchedule(ctx, schedule.ID, now, now, nextRun)
	require.NoError(t, err)
	won2, err := st.ClaimDueCronSchedule(ctx, schedule.ID, now, now, nextRun)
	require.NoError(t, err)
	assert.True(t, won1)
	assert.False(t, won2, "second claim must lose")

	_, err = st.CreateCronExecution(ctx, schedule.ID, now)
	require.NoError(t, err)
	_, err = st.CreateCronExecution(ctx, schedule.ID, now)
	var exists *store.ErrCronExecutionExists
	require.ErrorAs(t, err, &exists)
}

func TestLostCronExecutions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	schedule, err := st.CreateCronSchedule(ctx, &store.CronSchedule{
		WorkflowName:   "nightly",
		CronExpression: "0 0 * * *",
		Timezone:       "UTC",
		Enabled:        true,
		CatchupPolicy:  store.CatchupSkip,
		NextRunAt:      time.Now().UTC(),
	})
	require.NoError(t, err)

	exec, err := st.CreateCronExecution(ctx, schedule.ID, time.Now().UTC())
	require.NoError(t, err)

	// Fresh rows are not lost yet.
	lost, err := st.ListLostCronExecutions(ctx, time.Minute, 24*time.Hour, 3)
	require.NoError(t, err)
	assert.Empty(t, lost)

	// With a one-millisecond threshold the unlinked row is lost.
	time.Sleep(10 * time.Millisecond)
	lost, err = st.ListLostCronExecutions(ctx, time.Millisecond, 24*time.Hour, 3)
	require.NoError(t, err)
	require.Len(t, lost, 1)

	// Linking a pipeline removes it from the lost set.
	p := createPipeline(t, st, "a")
	require.NoError(t, st.LinkCronExecutionPipeline(ctx, exec.ID, p.ID))
	lost, err = st.ListLostCronExecutions(ctx, time.Millisecond, 24*time.Hour, 3)
	require.NoError(t, err)
	assert.Empty(t, lost)
}

func TestWorkflowPackageRegistration(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	pkg := &store.WorkflowPackage{
		PackageName: "analytics",
		Version:     "abc123",
		Description: "nightly etl",
		Author:      "data-eng",
	}
	data := []byte("binary bytes")

	_, err := st.CreateWorkflowPackage(ctx, pkg, data)
	require.NoError(t, err)

	dup := &store.WorkflowPackage{PackageName: "analytics", Version: "abc123"}
	_, err = st.CreateWorkflowPackage(ctx, dup, data)
	var exists *store.ErrPackageExists
	require.ErrorAs(t, err, &exists)

	got, gotData, err := st.GetWorkflowPackage(ctx, "analytics", "abc123")
	require.NoError(t, err)
	assert.Equal(t, data, gotData)
	assert.Equal(t, "data-eng", got.Author)

	_, _, err = st.GetWorkflowPackage(ctx, "missing", "")
	var notFound *store.ErrPackageNotFound
	require.ErrorAs(t, err, &notFound)

	list, err := st.ListWorkflowPackages(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, st.DeleteWorkflowPackage(ctx, "analytics", "abc123"))
	list, err = st.ListWorkflowPackages(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEventRetention(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := createPipeline(t, st, "a")
	require.NoError(t, st.MarkTasksReady(ctx, p.ID, []string{"a"}))

	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now().UTC()

	count, err := st.CountExecutionEventsOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	deleted, err := st.DeleteExecutionEventsOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	count, err = st.CountExecutionEventsOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestTenantIsolationByDatabaseFile(t *testing.T) {
	ctx := context.Background()
	stA := newTestStore(t)
	stB := newTestStore(t)

	pA := createPipeline(t, stA, "a")

	name := "wf"
	listB, err := stB.ListPipelineExecutions(ctx, &store.FindPipelineExecution{WorkflowName: &name})
	require.NoError(t, err)
	assert.Empty(t, listB, "tenant B must not see tenant A's executions")

	listA, err := stA.ListPipelineExecutions(ctx, &store.FindPipelineExecution{WorkflowName: &name})
	require.NoError(t, err)
	require.Len(t, listA, 1)
	assert.Equal(t, pA.ID, listA[0].ID)
}

func TestSignatureAndKeyStores(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sig := &store.PackageSignature{
		PackageHash:    "deadbeef",
		KeyFingerprint: "cafebabe",
		Signature:      []byte("sixty-four bytes of signature material, give or take a few.."),
		SignedAt:       time.Now().UTC(),
	}
	require.NoError(t, st.StorePackageSignature(ctx, sig))
	got, err := st.GetPackageSignature(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, sig.KeyFingerprint, got.KeyFingerprint)

	trusted := &store.TrustedKey{
		Organization: "acme",
		Fingerprint:  "cafebabe",
		PublicKey:    []byte("public key bytes"),
		Comment:      "release key",
	}
	require.NoError(t, st.StoreTrustedKey(ctx, trusted))

	resolved, err := st.GetTrustedKeyByFingerprint(ctx, "acme", "cafebabe")
	require.NoError(t, err)
	assert.Equal(t, trusted.PublicKey, resolved.PublicKey)

	// Other organizations do not trust the key.
	_, err = st.GetTrustedKeyByFingerprint(ctx, "other", "cafebabe")
	require.Error(t, err)

	require.NoError(t, st.RevokeTrustedKey(ctx, "acme", "cafebabe"))
	_, err = st.GetTrustedKeyByFingerprint(ctx, "acme", "cafebabe")
	require.Error(t, err, "revoked keys must not resolve")

	keys, err := st.ListTrustedKeys(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, keys[0].Revoked)
}
