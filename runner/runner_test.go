package runner

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/aqueduct/internal/profile"
	"github.com/hrygo/aqueduct/retry"
	"github.com/hrygo/aqueduct/security"
	"github.com/hrygo/aqueduct/store"
	"github.com/hrygo/aqueduct/task"
	"github.com/hrygo/aqueduct/workflow"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "engine.db"),
	}
	cfg := DefaultConfig().
		WithSchedulerPollInterval(20 * time.Millisecond).
		WithCronScheduling(false).
		WithTriggerScheduling(false).
		WithRecovery(false).
		WithRegistryReconciler(false)
	cfg.PipelineTimeout = time.Minute
	cfg.TaskTimeout = 10 * time.Second

	r, err := New(p, cfg, security.Development())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = r.Shutdown()
	})
	return r
}

// registerFunc installs a function task for workflow wf under the
// embedded namespace.
func registerFunc(r *Runner, wf, id string, deps []string, fn func(ctx context.Context, input *task.Context) (*task.Context, error)) {
	ns := task.EmbeddedNamespace(wf, id)
	r.Tasks().Register(ns, func() task.Task {
		return &task.Func{NS: ns, Deps: deps, Fn: fn}
	})
}

func setOutput(key string, value any) func(ctx context.Context, input *task.Context) (*task.Context, error) {
	return func(_ context.Context, _ *task.Context) (*task.Context, error) {
		out := task.NewContext()
		if err := out.Set(key, value); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func TestLinearPipeline(t *testing.T) {
	r := newTestRunner(t)

	wf, err := workflow.NewBuilder("linear").
		Task("a").
		Task("b", "a").
		Task("c", "b").
		Build()
	require.NoError(t, err)
	require.NoError(t, r.Workflows().Register(wf))

	registerFunc(r, "linear", "a", nil, setOutput("a_done", true))
	registerFunc(r, "linear", "b", []string{"a"}, setOutput("b_done", true))
	registerFunc(r, "linear", "c", []string{"b"}, setOutput("result", "c-output"))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	result, err := r.Execute(ctx, "linear", task.NewContext())
	require.NoError(t, err)
	assert.Equal(t, store.PipelineCompleted, result.Status)
	require.NotNil(t, result.EndTime)

	require.NotNil(t, result.FinalContext)
	var out string
	ok, err := result.FinalContext.Get("result", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c-output", out)

	// TaskCompleted events arrive in dependency order, and every
	// upstream completion precedes the downstream claim.
	events, err := r.Store().ListExecutionEvents(ctx, result.PipelineID)
	require.NoError(t, err)
	completedSeq := map[string]int64{}
	claimedSeq := map[string]int64{}
	for _, e := range events {
		if e.TaskExecutionID == nil {
			continue
		}
		te, err := r.Store().GetTaskExecution(ctx, *e.TaskExecutionID)
		require.NoError(t, err)
		switch e.EventType {
		case store.EventTaskCompleted:
			completedSeq[te.TaskName] = e.SequenceNum
		case store.EventTaskClaimed:
			claimedSeq[te.TaskName] = e.SequenceNum
		}
	}
	require.Len(t, completedSeq, 3)
	assert.Less(t, completedSeq["a"], completedSeq["b"])
	assert.Less(t, completedSeq["b"], completedSeq["c"])
	assert.Less(t, completedSeq["a"], claimedSeq["b"])
	assert.Less(t, completedSeq["b"], claimedSeq["c"])
}

func TestDiamondRunsBranchesInParallel(t *testing.T) {
	r := newTestRunner(t)

	wf, err := workflow.NewBuilder("diamond").
		Task("a").
		Task("b", "a").
		Task("c", "a").
		Task("d", "b", "c").
		Build()
	require.NoError(t, err)
	require.NoError(t, r.Workflows().Register(wf))

	sleepTask := func(d time.Duration, key string) func(context.Context, *task.Context) (*task.Context, error) {
		return func(_ context.Context, _ *task.Context) (*task.Context, error) {
			time.Sleep(d)
			out := task.NewContext()
			_ = out.Set(key, true)
			return out, nil
		}
	}
	registerFunc(r, "diamond", "a", nil, setOutput("a", true))
	registerFunc(r, "diamond", "b", []string{"a"}, sleepTask(200*time.Millisecond, "b"))
	registerFunc(r, "diamond", "c", []string{"a"}, sleepTask(150*time.Millisecond, "c"))
	registerFunc(r, "diamond", "d", []string{"b", "c"}, setOutput("d", true))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	start := time.Now()
	result, err := r.Execute(ctx, "diamond", task.NewContext())
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, store.PipelineCompleted, result.Status)
	// Generous ceiling: parallel is ~200ms plus poll latency; a serial
	// run with the same overheads lands well past this.
	assert.Less(t, elapsed, time.Second)

	execs, err := r.Store().ListTaskExecutions(ctx, result.PipelineID)
	require.NoError(t, err)
	byName := map[string]*store.TaskExecution{}
	for _, te := range execs {
		byName[te.TaskName] = te
	}
	require.NotNil(t, byName["d"].StartedAt)
	require.NotNil(t, byName["b"].CompletedAt)
	require.NotNil(t, byName["c"].CompletedAt)

	// The branches overlapped: each started before the other finished.
	require.NotNil(t, byName["b"].StartedAt)
	require.NotNil(t, byName["c"].StartedAt)
	assert.True(t, byName["b"].StartedAt.Before(*byName["c"].CompletedAt))
	assert.True(t, byName["c"].StartedAt.Before(*byName["b"].CompletedAt))
	assert.False(t, byName["d"].StartedAt.Before(*byName["b"].CompletedAt))
	assert.False(t, byName["d"].StartedAt.Before(*byName["c"].CompletedAt))
}

func TestRetryThenSucceed(t *testing.T) {
	r := newTestRunner(t)

	policy := retry.Policy{
		MaxAttempts:  3,
		Backoff:      retry.BackoffExponential,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Condition:    retry.ConditionAllErrors,
		Jitter:       false,
	}
	wf, err := workflow.NewBuilder("flaky_wf").TaskWithPolicy("flaky", policy).Build()
	require.NoError(t, err)
	require.NoError(t, r.Workflows().Register(wf))

	var attempts atomic.Int32
	registerFunc(r, "flaky_wf", "flaky", nil, func(_ context.Context, _ *task.Context) (*task.Context, error) {
		if attempts.Add(1) <= 2 {
			return nil, task.NewError(task.KindUser, "flaky", "transient blip", nil)
		}
		return task.NewContext(), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	result, err := r.Execute(ctx, "flaky_wf", task.NewContext())
	require.NoError(t, err)
	assert.Equal(t, store.PipelineCompleted, result.Status)
	assert.Equal(t, int32(3), attempts.Load())

	execs, err := r.Store().ListTaskExecutions(ctx, result.PipelineID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, 3, execs[0].Attempt)

	events, err := r.Store().ListExecutionEvents(ctx, result.PipelineID)
	require.NoError(t, err)
	retries := 0
	for _, e := range events {
		if e.EventType == store.EventTaskRetryScheduled {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestPermanentFailure(t *testing.T) {
	r := newTestRunner(t)

	policy := retry.Policy{
		MaxAttempts:  2,
		Backoff:      retry.BackoffFixed,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     time.Second,
		Condition:    retry.ConditionAllErrors,
	}
	wf, err := workflow.NewBuilder("doomed_wf").TaskWithPolicy("doomed", policy).Build()
	require.NoError(t, err)
	require.NoError(t, r.Workflows().Register(wf))

	registerFunc(r, "doomed_wf", "doomed", nil, func(_ context.Context, _ *task.Context) (*task.Context, error) {
		return nil, task.NewError(task.KindUser, "doomed", "always fails", nil)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	result, err := r.Execute(ctx, "doomed_wf", task.NewContext())
	require.NoError(t, err)

	assert.Equal(t, store.PipelineFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "always fails")

	execs, err := r.Store().ListTaskExecutions(ctx, result.PipelineID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, store.TaskFailed, execs[0].Status)
	assert.Equal(t, 2, execs[0].Attempt)
	assert.LessOrEqual(t, execs[0].Attempt, policy.MaxAttempts)
}

func TestFailurePropagationSkipsDependents(t *testing.T) {
	r := newTestRunner(t)

	policy := retry.Policy{MaxAttempts: 1, Condition: retry.ConditionNever, Backoff: retry.BackoffFixed}
	wf, err := workflow.NewBuilder("skippy").
		TaskWithPolicy("first", policy).
		Task("second", "first").
		Build()
	require.NoError(t, err)
	require.NoError(t, r.Workflows().Register(wf))

	registerFunc(r, "skippy", "first", nil, func(_ context.Context, _ *task.Context) (*task.Context, error) {
		return nil, task.NewError(task.KindUser, "first", "no luck", nil)
	})
	registerFunc(r, "skippy", "second", []string{"first"}, setOutput("unreached", true))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	result, err := r.Execute(ctx, "skippy", task.NewContext())
	require.NoError(t, err)

	assert.Equal(t, store.PipelineFailed, result.Status)
	execs, err := r.Store().ListTaskExecutions(ctx, result.PipelineID)
	require.NoError(t, err)
	byName := map[string]store.TaskStatus{}
	for _, te := range execs {
		byName[te.TaskName] = te.Status
	}
	assert.Equal(t, store.TaskFailed, byName["first"])
	assert.Equal(t, store.TaskSkipped, byName["second"])
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	r := newTestRunner(t)
	_, err := r.Execute(context.Background(), "ghost", task.NewContext())
	require.Error(t, err)
}

func TestCancelReturnsImmediately(t *testing.T) {
	r := newTestRunner(t)

	wf, err := workflow.NewBuilder("slow").Task("sleepy").Build()
	require.NoError(t, err)
	require.NoError(t, r.Workflows().Register(wf))

	release := make(chan struct{})
	registerFunc(r, "slow", "sleepy", nil, func(ctx context.Context, _ *task.Context) (*task.Context, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return task.NewContext(), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	id, err := r.ExecuteAsync(ctx, "slow", task.NewContext())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, r.Cancel(ctx, id))
	assert.Less(t, time.Since(start), time.Second)
	close(release)

	p, err := r.Store().GetPipelineExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.PipelineCancelled, p.Status)
}
