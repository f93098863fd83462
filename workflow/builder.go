package workflow

import (
	"github.com/hrygo/aqueduct/retry"
	"github.com/hrygo/aqueduct/task"
)

// Builder assembles a workflow definition incrementally. Call Build to
// validate and obtain the finished workflow.
type Builder struct {
	wf *Workflow
}

// NewBuilder starts a workflow under the public tenant and embedded
// package.
func NewBuilder(name string) *Builder {
	return &Builder{wf: &Workflow{
		Name:    name,
		Tenant:  task.DefaultTenant,
		Package: task.DefaultPackage,
		Tasks:   make(map[string]*TaskDefinition),
	}}
}

// Tenant sets the owning tenant.
func (b *Builder) Tenant(tenant string) *Builder {
	b.wf.Tenant = tenant
	return b
}

// Package sets the owning package.
func (b *Builder) Package(pkg string) *Builder {
	b.wf.Package = pkg
	return b
}

// Description sets the workflow description.
func (b *Builder) Description(desc string) *Builder {
	b.wf.Description = desc
	return b
}

// Task declares a task with the default retry policy.
func (b *Builder) Task(id string, deps ...string) *Builder {
	return b.TaskWithPolicy(id, retry.DefaultPolicy(), deps...)
}

// TaskWithPolicy declares a task with an explicit retry policy.
func (b *Builder) TaskWithPolicy(id string, policy retry.Policy, deps ...string) *Builder {
	b.wf.Tasks[id] = &TaskDefinition{
		ID:           id,
		Dependencies: deps,
		RetryPolicy:  policy,
	}
	return b
}

// TaskDef declares a fully-specified task.
func (b *Builder) TaskDef(def *TaskDefinition) *Builder {
	b.wf.Tasks[def.ID] = def
	return b
}

// Build validates the workflow and computes its version fingerprint.
func (b *Builder) Build() (*Workflow, error) {
	if err := b.wf.Validate(); err != nil {
		return nil, err
	}
	return b.wf, nil
}
