package task

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopTask(ns Namespace) Constructor {
	return func() Task {
		return &Func{NS: ns, Fn: func(_ context.Context, input *Context) (*Context, error) {
			return input, nil
		}}
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	ns := EmbeddedNamespace("wf", "a")
	r.Register(ns, noopTask(ns))

	ctor, ok := r.Lookup(ns)
	require.True(t, ok)
	assert.Equal(t, ns, ctor().Namespace())

	_, ok = r.Lookup(EmbeddedNamespace("wf", "missing"))
	assert.False(t, ok)
}

func TestRegistryReRegistrationReplaces(t *testing.T) {
	r := NewRegistry()
	ns := EmbeddedNamespace("wf", "a")

	r.Register(ns, func() Task {
		return &Func{NS: ns, Fn: func(_ context.Context, _ *Context) (*Context, error) {
			return nil, NewError(KindUser, "a", "old", nil)
		}}
	})
	r.Register(ns, noopTask(ns))

	ctor, ok := r.Lookup(ns)
	require.True(t, ok)
	out, err := ctor().Execute(context.Background(), NewContext())
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestRegistryPublicFallback(t *testing.T) {
	r := NewRegistry()
	public := NewNamespace("public", "pkg", "wf", "a")
	r.Register(public, noopTask(public))

	tenant := NewNamespace("tenant_b", "pkg", "wf", "a")
	ctor, ok := r.Lookup(tenant)
	require.True(t, ok)
	assert.Equal(t, public, ctor().Namespace())
}

func TestRegistryConcurrentReadsDuringWrites(t *testing.T) {
	r := NewRegistry()
	ns := EmbeddedNamespace("wf", "a")
	r.Register(ns, noopTask(ns))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				r.Register(ns, noopTask(ns))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_, ok := r.Lookup(ns)
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()
}

func TestGlobalRegistry(t *testing.T) {
	ns := NewNamespace("public", "embedded", "global_test_wf", "t")
	Register(ns, noopTask(ns))
	defer GlobalRegistry().Unregister(ns)

	_, ok := Lookup(ns)
	assert.True(t, ok)
	assert.Contains(t, GlobalRegistry().Namespaces(), ns)
}
