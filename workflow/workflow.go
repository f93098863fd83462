// Package workflow models workflow definitions: declared tasks, their
// dependency DAG, validation, and the deterministic fingerprint that
// serves as the workflow version.
package workflow

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/hrygo/aqueduct/retry"
	"github.com/hrygo/aqueduct/task"
)

// TriggerRule fires a workflow when a CEL predicate over committed
// context state evaluates to true.
type TriggerRule struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// TaskDefinition is one declared task within a workflow.
type TaskDefinition struct {
	// ID is the task-local identifier, unique within the workflow.
	ID string `json:"id"`
	// Dependencies lists task-local ids that must complete first.
	Dependencies []string `json:"dependencies"`
	// RetryPolicy governs failure handling for this task.
	RetryPolicy retry.Policy `json:"retry_policy"`
	// TriggerRules are condition-based activation rules for this task.
	TriggerRules []TriggerRule `json:"trigger_rules,omitempty"`
	// CodeFingerprint identifies the task implementation version.
	CodeFingerprint string `json:"code_fingerprint,omitempty"`
	// Description is free-form documentation.
	Description string `json:"description,omitempty"`
}

// Workflow is a validated DAG of task definitions.
type Workflow struct {
	// Name is the workflow identifier within its tenant and package.
	Name string
	// Tenant and Package scope the workflow's namespace.
	Tenant  string
	Package string
	// Tasks holds the declared tasks keyed by id.
	Tasks map[string]*TaskDefinition
	// Version is the deterministic fingerprint, set by Validate;
	// Registry.Register keeps a Version that was set beforehand.
	Version string
	// Description is free-form documentation.
	Description string

	// order caches a topological order computed during validation.
	order []string
}

// Namespace returns the namespace for a task-local id in this workflow.
func (w *Workflow) Namespace(taskID string) task.Namespace {
	return task.NewNamespace(w.Tenant, w.Package, w.Name, taskID)
}

// TaskIDs returns all declared task ids in ascending order.
func (w *Workflow) TaskIDs() []string {
	ids := make([]string, 0, len(w.Tasks))
	for id := range w.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TopologicalOrder returns a dependency-respecting order of task ids.
// Validate must have succeeded first.
func (w *Workflow) TopologicalOrder() []string {
	out := make([]string, len(w.order))
	copy(out, w.order)
	return out
}

// Roots returns the task ids with no dependencies, ascending.
func (w *Workflow) Roots() []string {
	var roots []string
	for _, id := range w.TaskIDs() {
		if len(w.Tasks[id].Dependencies) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Leaves returns the task ids no other task depends on, ascending.
// Pipeline success is declared when all leaves complete.
func (w *Workflow) Leaves() []string {
	depended := make(map[string]bool)
	for _, t := range w.Tasks {
		for _, dep := range t.Dependencies {
			depended[dep] = true
		}
	}
	var leaves []string
	for _, id := range w.TaskIDs() {
		if !depended[id] {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// Dependents returns the ids of tasks that list taskID as a dependency.
func (w *Workflow) Dependents(taskID string) []string {
	var out []string
	for _, id := range w.TaskIDs() {
		for _, dep := range w.Tasks[id].Dependencies {
			if dep == taskID {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// Validate checks the workflow invariants and computes the fingerprint:
// every dependency must resolve to a declared task, the induced graph
// must be acyclic (Kahn's algorithm), and task ids must be unique,
// which the map representation already guarantees.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return errors.New("workflow name must not be empty")
	}
	if len(w.Tasks) == 0 {
		return errors.Errorf("workflow %s declares no tasks", w.Name)
	}
	if w.Tenant == "" {
		w.Tenant = task.DefaultTenant
	}
	if w.Package == "" {
		w.Package = task.DefaultPackage
	}

	for id, t := range w.Tasks {
		if id == "" {
			return errors.Errorf("workflow %s declares a task with an empty id", w.Name)
		}
		if t.ID != id {
			return errors.Errorf("workflow %s: task key %q does not match task id %q", w.Name, id, t.ID)
		}
		for _, dep := range t.Dependencies {
			if dep == id {
				return errors.Errorf("workflow %s: task %s depends on itself", w.Name, id)
			}
			if _, ok := w.Tasks[dep]; !ok {
				return errors.Errorf("workflow %s: task %s depends on undeclared task %s", w.Name, id, dep)
			}
		}
	}

	order, err := w.kahnOrder()
	if err != nil {
		return err
	}
	w.order = order
	w.Version = w.Fingerprint()
	return nil
}

// kahnOrder computes a topological order, failing on cycles. Ties are
// broken by ascending task id so the order is reproducible. The DAG is
// held as an arena: ids are indices into a sorted slice with parallel
// edge arrays.
func (w *Workflow) kahnOrder() ([]string, error) {
	ids := w.TaskIDs()
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	indegree := make([]int, len(ids))
	dependents := make([][]int, len(ids))
	for i, id := range ids {
		for _, dep := range w.Tasks[id].Dependencies {
			j := index[dep]
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var frontier []int
	for i := range ids {
		if indegree[i] == 0 {
			frontier = append(frontier, i)
		}
	}

	order := make([]string, 0, len(ids))
	for len(frontier) > 0 {
		sort.Ints(frontier)
		i := frontier[0]
		frontier = frontier[1:]
		order = append(order, ids[i])
		for _, dep := range dependents[i] {
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
	}

	if len(order) != len(ids) {
		var stuck []string
		for i, id := range ids {
			if indegree[i] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, errors.Errorf("workflow %s contains a dependency cycle involving: %v", w.Name, stuck)
	}
	return order, nil
}
