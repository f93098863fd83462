package executor

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/hrygo/aqueduct/task"
)

// DefaultBackendName is the built-in in-process backend.
const DefaultBackendName = "default"

// Backend runs the task registered under a namespace. Implementations
// are pluggable: in-process, GPU queues, host-language bridges.
type Backend interface {
	Execute(ctx context.Context, ns task.Namespace, input *task.Context, handle task.Handle) (*task.Context, error)
}

// BackendRegistry holds named executor backends.
type BackendRegistry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewBackendRegistry creates a registry pre-populated with the default
// in-process backend over tasks.
func NewBackendRegistry(tasks *task.Registry) *BackendRegistry {
	r := &BackendRegistry{backends: make(map[string]Backend)}
	r.Register(DefaultBackendName, &LocalBackend{Tasks: tasks})
	return r
}

// Register installs a backend under name, replacing any prior one.
func (r *BackendRegistry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
}

// Get resolves a backend by name.
func (r *BackendRegistry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names returns registered backend names, sorted.
func (r *BackendRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LocalBackend executes tasks registered in this process.
type LocalBackend struct {
	Tasks *task.Registry
}

func (b *LocalBackend) Execute(ctx context.Context, ns task.Namespace, input *task.Context, handle task.Handle) (*task.Context, error) {
	ctor, ok := b.Tasks.Lookup(ns)
	if !ok {
		return nil, task.NewError(task.KindValidation, ns.TaskID, "no task registered for namespace "+ns.String(), nil)
	}
	t := ctor()
	if aware, ok := t.(task.HandleAware); ok && handle != nil {
		aware.SetHandle(handle)
	}
	out, err := t.Execute(ctx, input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, task.NewError(task.KindTimeout, ns.TaskID, "task exceeded its timeout", err)
		}
		return nil, err
	}
	return out, nil
}
