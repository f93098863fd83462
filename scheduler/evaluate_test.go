package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/aqueduct/store"
	"github.com/hrygo/aqueduct/workflow"
)

func mustBuild(t *testing.T, b *workflow.Builder) *workflow.Workflow {
	t.Helper()
	wf, err := b.Build()
	require.NoError(t, err)
	return wf
}

func execsFor(statuses map[string]store.TaskStatus) []*store.TaskExecution {
	var out []*store.TaskExecution
	for name, status := range statuses {
		out = append(out, &store.TaskExecution{TaskName: name, Status: status})
	}
	return out
}

func execsWithError(statuses map[string]store.TaskStatus, failedTask, errMsg string) []*store.TaskExecution {
	out := execsFor(statuses)
	for _, te := range out {
		if te.TaskName == failedTask {
			msg := errMsg
			te.ErrorDetails = &msg
		}
	}
	return out
}

func TestEvaluateRootsBecomeReady(t *testing.T) {
	wf := mustBuild(t, workflow.NewBuilder("linear").
		Task("a").Task("b", "a").Task("c", "b"))

	d := Evaluate(wf, execsFor(map[string]store.TaskStatus{
		"a": store.TaskNotStarted,
		"b": store.TaskNotStarted,
		"c": store.TaskNotStarted,
	}))

	assert.Equal(t, []string{"a"}, d.Ready)
	assert.Empty(t, d.Skip)
	assert.Equal(t, OutcomeNone, d.Outcome)
}

func TestEvaluateAdvancesAfterCompletion(t *testing.T) {
	wf := mustBuild(t, workflow.NewBuilder("linear").
		Task("a").Task("b", "a").Task("c", "b"))

	d := Evaluate(wf, execsFor(map[string]store.TaskStatus{
		"a": store.TaskCompleted,
		"b": store.TaskNotStarted,
		"c": store.TaskNotStarted,
	}))

	assert.Equal(t, []string{"b"}, d.Ready)
	assert.Equal(t, OutcomeNone, d.Outcome)
}

func TestEvaluateDiamondFanOutInAscendingOrder(t *testing.T) {
	wf := mustBuild(t, workflow.NewBuilder("diamond").
		Task("a").Task("c", "a").Task("b", "a").Task("d", "b", "c"))

	d := Evaluate(wf, execsFor(map[string]store.TaskStatus{
		"a": store.TaskCompleted,
		"b": store.TaskNotStarted,
		"c": store.TaskNotStarted,
		"d": store.TaskNotStarted,
	}))

	assert.Equal(t, []string{"b", "c"}, d.Ready)
}

func TestEvaluateJoinWaitsForAllDependencies(t *testing.T) {
	wf := mustBuild(t, workflow.NewBuilder("diamond").
		Task("a").Task("b", "a").Task("c", "a").Task("d", "b", "c"))

	d := Evaluate(wf, execsFor(map[string]store.TaskStatus{
		"a": store.TaskCompleted,
		"b": store.TaskCompleted,
		"c": store.TaskRunning,
		"d": store.TaskNotStarted,
	}))

	assert.Empty(t, d.Ready)
	assert.Equal(t, OutcomeNone, d.Outcome)
}

func TestEvaluatePipelineCompleted(t *testing.T) {
	wf := mustBuild(t, workflow.NewBuilder("linear").
		Task("a").Task("b", "a"))

	d := Evaluate(wf, execsFor(map[string]store.TaskStatus{
		"a": store.TaskCompleted,
		"b": store.TaskCompleted,
	}))

	assert.Equal(t, OutcomeCompleted, d.Outcome)
}

func TestEvaluateFailurePropagatesToDependents(t *testing.T) {
	wf := mustBuild(t, workflow.NewBuilder("linear").
		Task("a").Task("b", "a").Task("c", "b"))

	d := Evaluate(wf, execsWithError(map[string]store.TaskStatus{
		"a": store.TaskFailed,
		"b": store.TaskNotStarted,
		"c": store.TaskNotStarted,
	}, "a", "boom"))

	assert.Empty(t, d.Ready)
	assert.Equal(t, []string{"b"}, d.Skip)
	// c skips on the next pass once b is Skipped.
	assert.Equal(t, OutcomeNone, d.Outcome)
}

func TestEvaluateFailedPipelineOnceAllTerminal(t *testing.T) {
	wf := mustBuild(t, workflow.NewBuilder("linear").
		Task("a").Task("b", "a").Task("c", "b"))

	d := Evaluate(wf, execsWithError(map[string]store.TaskStatus{
		"a": store.TaskFailed,
		"b": store.TaskSkipped,
		"c": store.TaskNotStarted,
	}, "a", "boom"))

	// c is decided skipped this pass, which makes everything terminal.
	assert.Equal(t, []string{"c"}, d.Skip)
	assert.Equal(t, OutcomeFailed, d.Outcome)
	assert.Equal(t, "a", d.FailedTask)
	assert.Equal(t, "boom", d.FailedError)
}

func TestEvaluateIndependentBranchFinishesDespiteFailure(t *testing.T) {
	wf := mustBuild(t, workflow.NewBuilder("forked").
		Task("a").Task("b", "a").Task("x").Task("y", "x"))

	d := Evaluate(wf, execsWithError(map[string]store.TaskStatus{
		"a": store.TaskFailed,
		"b": store.TaskNotStarted,
		"x": store.TaskCompleted,
		"y": store.TaskRunning,
	}, "a", "boom"))

	assert.Equal(t, []string{"b"}, d.Skip)
	// y is still running, so no terminal outcome yet.
	assert.Equal(t, OutcomeNone, d.Outcome)
}

func TestEvaluateRetryingTaskBlocksOutcome(t *testing.T) {
	wf := mustBuild(t, workflow.NewBuilder("single").Task("flaky"))

	// Ready after a failed attempt is not terminal.
	d := Evaluate(wf, execsFor(map[string]store.TaskStatus{
		"flaky": store.TaskReady,
	}))

	assert.Equal(t, OutcomeNone, d.Outcome)
	assert.Empty(t, d.Ready)
}
