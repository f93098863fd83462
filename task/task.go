package task

import (
	"context"
	"time"
)

// Handle is handed to tasks that opt in to cooperative scheduling. It
// is implemented by the executor pool.
type Handle interface {
	// DeferUntil releases the caller's concurrency slot, polls the
	// predicate at the given interval, and reacquires the slot before
	// returning. The context bounds the total wait.
	DeferUntil(ctx context.Context, predicate func(context.Context) (bool, error), pollInterval time.Duration) error
}

// Task is one unit of work in a workflow. Implementations receive the
// merged input context and return their output context; returning an
// error routes the attempt through the retry policy.
type Task interface {
	// Execute runs the task. The input context must not be mutated;
	// return a new or cloned context with the task's output.
	Execute(ctx context.Context, input *Context) (*Context, error)

	// Namespace returns the task's persistent identity.
	Namespace() Namespace

	// Dependencies returns the local task ids this task depends on
	// within its workflow.
	Dependencies() []string
}

// HandleAware is implemented by tasks that want the executor handle.
type HandleAware interface {
	SetHandle(h Handle)
}

// Func adapts a plain function into a Task.
type Func struct {
	NS   Namespace
	Deps []string
	Fn   func(ctx context.Context, input *Context) (*Context, error)
}

func (f *Func) Execute(ctx context.Context, input *Context) (*Context, error) {
	return f.Fn(ctx, input)
}

func (f *Func) Namespace() Namespace {
	return f.NS
}

func (f *Func) Dependencies() []string {
	return f.Deps
}
