package workflow

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Summary is the listing view of a registered workflow.
type Summary struct {
	Name        string
	Tenant      string
	Package     string
	Version     string
	TaskCount   int
	Description string
}

// Registry is an in-process table of validated workflow definitions,
// keyed by name. Schedulers resolve pipeline workflows here.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]*Workflow)}
}

// Register validates and installs a workflow. Re-registration under the
// same name replaces the prior definition. A Version already set on the
// workflow (such as a package manifest's fingerprint) is kept.
func (r *Registry) Register(wf *Workflow) error {
	version := wf.Version
	if err := wf.Validate(); err != nil {
		return err
	}
	if version != "" {
		wf.Version = version
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.Name] = wf
	return nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	if !ok {
		return nil, errors.Errorf("workflow not found: %s", name)
	}
	return wf, nil
}

// Unregister removes the definition registered under name, if any.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workflows, name)
}

// List returns summaries of all registered workflows, sorted by name.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, Summary{
			Name:        wf.Name,
			Tenant:      wf.Tenant,
			Package:     wf.Package,
			Version:     wf.Version,
			TaskCount:   len(wf.Tasks),
			Description: wf.Description,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// global mirrors the task registry lifecycle: init on first use,
// torn down at process exit. Boundary layers (package loaders) register
// here; library consumers should hold their own *Registry.
var global = NewRegistry()

// GlobalRegistry returns the process-wide workflow registry.
func GlobalRegistry() *Registry {
	return global
}
