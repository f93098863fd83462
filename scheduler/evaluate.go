package scheduler

import (
	"sort"

	"github.com/hrygo/aqueduct/store"
	"github.com/hrygo/aqueduct/workflow"
)

// Outcome is the pipeline-level result of one evaluation pass.
type Outcome int

const (
	// OutcomeNone means the pipeline is still making progress.
	OutcomeNone Outcome = iota
	// OutcomeCompleted means every leaf task completed.
	OutcomeCompleted
	// OutcomeFailed means a task failed terminally and all remaining
	// work is skipped or finished.
	OutcomeFailed
)

// Decision is what one evaluation pass wants done. Ready and Skip are
// in ascending task-name order for reproducible enqueueing.
type Decision struct {
	Ready   []string
	Skip    []string
	Outcome Outcome
	// FailedTask and FailedError identify the first failing task when
	// Outcome is OutcomeFailed.
	FailedTask  string
	FailedError string
}

// Evaluate inspects the DAG against current task states and decides the
// next transitions. It is pure: all I/O happens in the caller.
func Evaluate(def *workflow.Workflow, execs []*store.TaskExecution) Decision {
	byName := make(map[string]*store.TaskExecution, len(execs))
	for _, te := range execs {
		byName[te.TaskName] = te
	}

	var decision Decision
	for _, id := range def.TaskIDs() {
		te, ok := byName[id]
		if !ok || te.Status != store.TaskNotStarted {
			continue
		}

		allDone := true
		anyDead := false
		for _, dep := range def.Tasks[id].Dependencies {
			depExec, ok := byName[dep]
			if !ok {
				allDone = false
				break
			}
			switch depExec.Status {
			case store.TaskCompleted:
			case store.TaskFailed, store.TaskSkipped:
				anyDead = true
				allDone = false
			default:
				allDone = false
			}
		}

		switch {
		case anyDead:
			decision.Skip = append(decision.Skip, id)
		case allDone:
			decision.Ready = append(decision.Ready, id)
		}
	}
	sort.Strings(decision.Ready)
	sort.Strings(decision.Skip)

	// Project the pending skips so the terminal check below sees them.
	skipped := make(map[string]bool, len(decision.Skip))
	for _, id := range decision.Skip {
		skipped[id] = true
	}

	// A task failure ends the pipeline once nothing is left in flight.
	var failed *store.TaskExecution
	for _, id := range def.TaskIDs() {
		te := byName[id]
		if te != nil && te.Status == store.TaskFailed {
			if failed == nil {
				failed = te
			}
		}
	}

	allTerminal := true
	for _, id := range def.TaskIDs() {
		te := byName[id]
		if te == nil {
			allTerminal = false
			break
		}
		if !te.Status.IsTerminal() && !skipped[id] {
			allTerminal = false
			break
		}
	}

	if failed != nil {
		if allTerminal && len(decision.Ready) == 0 {
			decision.Outcome = OutcomeFailed
			decision.FailedTask = failed.TaskName
			if failed.ErrorDetails != nil {
				decision.FailedError = *failed.ErrorDetails
			}
		}
		return decision
	}

	leavesDone := true
	for _, leaf := range def.Leaves() {
		te := byName[leaf]
		if te == nil || te.Status != store.TaskCompleted {
			leavesDone = false
			break
		}
	}
	if leavesDone {
		decision.Outcome = OutcomeCompleted
	}
	return decision
}
