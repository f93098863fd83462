package task

import (
	"sync"
)

// Constructor builds the shared handle for a task. Constructors take no
// arguments; per-execution state belongs in the Context.
type Constructor func() Task

// Registry maps namespaces to task constructors. Re-registering a
// namespace replaces the prior constructor, and Unregister removes
// it. The read path is lock-free so executing workers never
// block behind writers.
type Registry struct {
	entries sync.Map // Namespace -> Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register installs a constructor for ns, replacing any prior one.
func (r *Registry) Register(ns Namespace, ctor Constructor) {
	r.entries.Store(ns, ctor)
}

// Lookup resolves the constructor for ns. When the namespace belongs to
// a non-public tenant and has no registration, the public-tenant
// equivalent is tried so shared packages need registering only once.
func (r *Registry) Lookup(ns Namespace) (Constructor, bool) {
	if v, ok := r.entries.Load(ns); ok {
		return v.(Constructor), true
	}
	if fallback, ok := ns.PublicFallback(); ok {
		if v, ok := r.entries.Load(fallback); ok {
			return v.(Constructor), true
		}
	}
	return nil, false
}

// Unregister removes the constructor for ns, if any.
func (r *Registry) Unregister(ns Namespace) {
	r.entries.Delete(ns)
}

// Namespaces returns a snapshot of all registered namespaces.
func (r *Registry) Namespaces() []Namespace {
	var out []Namespace
	r.entries.Range(func(k, _ any) bool {
		out = append(out, k.(Namespace))
		return true
	})
	return out
}

// global is the process-wide registry. Prefer passing an explicit
// *Registry through constructors; the global table exists for boundary
// layers (package loaders, generated code) where threading a reference
// is impractical.
var global = NewRegistry()

// GlobalRegistry returns the process-wide registry.
func GlobalRegistry() *Registry {
	return global
}

// Register installs a constructor in the process-wide registry.
func Register(ns Namespace, ctor Constructor) {
	global.Register(ns, ctor)
}

// Lookup resolves a constructor from the process-wide registry.
func Lookup(ns Namespace) (Constructor, bool) {
	return global.Lookup(ns)
}
