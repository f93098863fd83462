package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/aqueduct/registry/loader"
	"github.com/hrygo/aqueduct/security"
	"github.com/hrygo/aqueduct/store"
	"github.com/hrygo/aqueduct/task"
	"github.com/hrygo/aqueduct/workflow"
)

// WorkflowRegistry ingests packages and keeps the in-process workflow
// and task registries synchronized with package storage.
type WorkflowRegistry struct {
	packages  PackageStore
	workflows *workflow.Registry
	tasks     *task.Registry
	verifier  *security.Verifier
	tenant    string

	mu     sync.Mutex
	loaded map[string]bool // "name@version" already registered in-process
}

// New creates a workflow registry. verifier may be nil when signature
// checking is disabled entirely.
func New(packages PackageStore, workflows *workflow.Registry, tasks *task.Registry, verifier *security.Verifier, tenant string) *WorkflowRegistry {
	if tenant == "" {
		tenant = task.DefaultTenant
	}
	return &WorkflowRegistry{
		packages:  packages,
		workflows: workflows,
		tasks:     tasks,
		verifier:  verifier,
		tenant:    tenant,
	}
}

// Register validates and installs a workflow definition directly
// (embedded workflows, no package).
func (r *WorkflowRegistry) Register(wf *workflow.Workflow) error {
	return r.workflows.Register(wf)
}

// Get returns a registered workflow definition.
func (r *WorkflowRegistry) Get(name string) (*workflow.Workflow, error) {
	return r.workflows.Get(name)
}

// List returns summaries of registered workflows.
func (r *WorkflowRegistry) List() []workflow.Summary {
	return r.workflows.List()
}

// RegisterPackage verifies, parses, persists, and activates a package.
// Persistence is transactional: metadata and binary commit together,
// and a duplicate (name, version) surfaces store.ErrPackageExists.
func (r *WorkflowRegistry) RegisterPackage(ctx context.Context, data []byte) (uuid.UUID, error) {
	if r.verifier != nil {
		if err := r.verifier.VerifyPackage(ctx, data); err != nil {
			return uuid.Nil, err
		}
	}

	manifest, err := loader.ExtractManifest(data)
	if err != nil {
		return uuid.Nil, err
	}

	wf, err := loader.BuildWorkflow(manifest, r.tenant)
	if err != nil {
		return uuid.Nil, err
	}

	metadata, err := json.Marshal(manifest)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to serialize manifest")
	}
	pkg := &store.WorkflowPackage{
		PackageName: manifest.PackageName,
		Version:     wf.Version,
		Description: manifest.PackageDescription,
		Author:      manifest.PackageAuthor,
		Metadata:    metadata,
	}
	saved, err := r.packages.Save(ctx, pkg, data)
	if err != nil {
		return uuid.Nil, err
	}

	if err := r.activate(data, manifest, wf); err != nil {
		return uuid.Nil, err
	}
	slog.Info("package registered",
		"package", manifest.PackageName, "version", wf.Version, "workflow", wf.Name, "tasks", len(manifest.Tasks))
	return saved.ID, nil
}

// activate loads a package's workflow and tasks into the in-process
// registries.
func (r *WorkflowRegistry) activate(data []byte, manifest *loader.Manifest, wf *workflow.Workflow) error {
	if err := r.workflows.Register(wf); err != nil {
		return err
	}
	executable, err := loader.RegisterPackageTasks(data, manifest, r.tenant, r.tasks)
	if err != nil {
		return err
	}
	if !executable {
		slog.Debug("package is metadata-only; tasks must be registered by the host process",
			"package", manifest.PackageName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded == nil {
		r.loaded = make(map[string]bool)
	}
	r.loaded[manifest.PackageName+"@"+wf.Version] = true
	return nil
}

// Reconcile re-activates every stored package not yet loaded in this
// process. Run at startup and on the reconcile interval so new workers
// pick up packages registered elsewhere.
func (r *WorkflowRegistry) Reconcile(ctx context.Context) error {
	pkgs, err := r.packages.List(ctx)
	if err != nil {
		return err
	}

	for _, pkg := range pkgs {
		r.mu.Lock()
		already := r.loaded[pkg.PackageName+"@"+pkg.Version]
		r.mu.Unlock()
		if already {
			continue
		}

		_, data, err := r.packages.Load(ctx, pkg.PackageName, pkg.Version)
		if err != nil {
			slog.Error("failed to load stored package", "package", pkg.PackageName, "version", pkg.Version, "error", err)
			continue
		}
		if r.verifier != nil {
			if err := r.verifier.VerifyPackage(ctx, data); err != nil {
				slog.Error("stored package failed verification", "package", pkg.PackageName, "version", pkg.Version, "error", err)
				continue
			}
		}
		manifest, err := loader.ExtractManifest(data)
		if err != nil {
			slog.Error("stored package has malformed manifest", "package", pkg.PackageName, "error", err)
			continue
		}
		wf, err := loader.BuildWorkflow(manifest, r.tenant)
		if err != nil {
			slog.Error("stored package declares invalid workflow", "package", pkg.PackageName, "error", err)
			continue
		}
		if err := r.activate(data, manifest, wf); err != nil {
			slog.Error("failed to activate stored package", "package", pkg.PackageName, "error", err)
			continue
		}
		slog.Info("package reconciled", "package", pkg.PackageName, "version", pkg.Version, "workflow", wf.Name)
	}
	return nil
}
