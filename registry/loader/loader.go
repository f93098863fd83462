package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"plugin"

	"github.com/pkg/errors"

	"github.com/hrygo/aqueduct/retry"
	"github.com/hrygo/aqueduct/task"
	"github.com/hrygo/aqueduct/workflow"
)

// ManifestSymbol is the symbol a compiled package plugin exports: a
// *string holding the JSON manifest.
const ManifestSymbol = "PackageManifest"

// ExecuteSymbol is the symbol a compiled package plugin exports to run
// tasks: func(taskName string, contextJSON []byte) ([]byte, error).
const ExecuteSymbol = "ExecuteTask"

// ExecuteFunc is the execution entry point exported by a package.
type ExecuteFunc = func(taskName string, contextJSON []byte) ([]byte, error)

// ExtractManifest reads the manifest from package bytes. Two forms are
// supported: a bare JSON manifest document (metadata-only packages),
// and a compiled Go plugin exporting ManifestSymbol.
func ExtractManifest(data []byte) (*Manifest, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return ParseManifest(trimmed)
	}

	p, cleanup, err := openPlugin(data)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	sym, err := p.Lookup(ManifestSymbol)
	if err != nil {
		return nil, errors.Wrapf(err, "package does not export %s", ManifestSymbol)
	}
	manifestJSON, ok := sym.(*string)
	if !ok {
		return nil, errors.Errorf("%s has unexpected type %T", ManifestSymbol, sym)
	}
	return ParseManifest([]byte(*manifestJSON))
}

// openPlugin materializes package bytes as a loadable shared object.
// Plugins stay mapped for the process lifetime; cleanup only removes
// the temp file, which is safe once dlopen has it.
func openPlugin(data []byte) (*plugin.Plugin, func(), error) {
	dir, err := os.MkdirTemp("", "aqueduct-pkg-*")
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create plugin staging dir")
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	path := filepath.Join(dir, "package.so")
	if err := os.WriteFile(path, data, 0600); err != nil {
		cleanup()
		return nil, nil, errors.Wrap(err, "failed to stage plugin")
	}

	p, err := plugin.Open(path)
	if err != nil {
		cleanup()
		return nil, nil, errors.Wrap(err, "failed to load package plugin")
	}
	return p, cleanup, nil
}

// pluginTask adapts a package's exported execute function to the Task
// interface.
type pluginTask struct {
	ns      task.Namespace
	deps    []string
	execute ExecuteFunc
}

func (t *pluginTask) Execute(ctx context.Context, input *task.Context) (*task.Context, error) {
	inputJSON, err := input.ToJSON()
	if err != nil {
		return nil, err
	}
	outputJSON, err := t.execute(t.ns.TaskID, inputJSON)
	if err != nil {
		return nil, task.NewError(task.KindUser, t.ns.TaskID, err.Error(), err)
	}
	if len(outputJSON) == 0 {
		return task.NewContext(), nil
	}
	return task.ContextFromJSON(outputJSON)
}

func (t *pluginTask) Namespace() task.Namespace {
	return t.ns
}

func (t *pluginTask) Dependencies() []string {
	return t.deps
}

// RegisterPackageTasks loads a compiled package's tasks into the task
// registry under the given tenant. Metadata-only packages register no
// executable tasks and return false.
func RegisterPackageTasks(data []byte, manifest *Manifest, tenant string, registry *task.Registry) (bool, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return false, nil
	}

	p, cleanup, err := openPlugin(data)
	if err != nil {
		return false, err
	}
	defer cleanup()

	sym, err := p.Lookup(ExecuteSymbol)
	if err != nil {
		return false, errors.Wrapf(err, "package does not export %s", ExecuteSymbol)
	}
	execute, ok := sym.(ExecuteFunc)
	if !ok {
		return false, errors.Errorf("%s has unexpected type %T", ExecuteSymbol, sym)
	}

	for i := range manifest.Tasks {
		tm := &manifest.Tasks[i]
		workflowID, err := tm.WorkflowID()
		if err != nil {
			return false, err
		}
		deps, err := tm.Dependencies()
		if err != nil {
			return false, err
		}
		ns := task.NewNamespace(tenant, manifest.PackageName, workflowID, tm.LocalID)
		pt := &pluginTask{ns: ns, deps: deps, execute: execute}
		registry.Register(ns, func() task.Task { return pt })
	}
	return true, nil
}

// BuildWorkflow assembles the workflow definition a manifest declares.
func BuildWorkflow(manifest *Manifest, tenant string) (*workflow.Workflow, error) {
	if len(manifest.Tasks) == 0 {
		return nil, errors.Errorf("package %s declares no tasks", manifest.PackageName)
	}

	workflowID, err := manifest.Tasks[0].WorkflowID()
	if err != nil {
		return nil, err
	}

	builder := workflow.NewBuilder(workflowID).
		Tenant(tenant).
		Package(manifest.PackageName).
		Description(manifest.PackageDescription)

	for i := range manifest.Tasks {
		tm := &manifest.Tasks[i]
		wfID, err := tm.WorkflowID()
		if err != nil {
			return nil, err
		}
		if wfID != workflowID {
			return nil, errors.Errorf("package %s mixes workflows %s and %s", manifest.PackageName, workflowID, wfID)
		}
		deps, err := tm.Dependencies()
		if err != nil {
			return nil, err
		}
		builder.TaskDef(&workflow.TaskDefinition{
			ID:           tm.LocalID,
			Dependencies: deps,
			RetryPolicy:  retry.DefaultPolicy(),
			Description:  tm.Description,
		})
	}

	wf, err := builder.Build()
	if err != nil {
		return nil, err
	}
	if manifest.WorkflowFingerprint != "" {
		wf.Version = manifest.WorkflowFingerprint
	}
	return wf, nil
}

// GraphData decodes the optional visualization payload.
func (m *Manifest) GraphData() (map[string]json.RawMessage, error) {
	if m.GraphDataJSON == "" {
		return nil, nil
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal([]byte(m.GraphDataJSON), &out); err != nil {
		return nil, errors.Wrap(err, "malformed graph data")
	}
	return out, nil
}
