// Package loader parses and loads workflow packages: manifest
// extraction, bounds checking, and task registration.
package loader

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// MaxTasksPerPackage bounds manifest parsing; larger packages are
// rejected as resource exhaustion.
const MaxTasksPerPackage = 10000

// TaskManifest describes one task exported by a package.
type TaskManifest struct {
	Index                uint32 `json:"index"`
	LocalID              string `json:"local_id"`
	NamespacedIDTemplate string `json:"namespaced_id_template"`
	DependenciesJSON     string `json:"dependencies_json"`
	Description          string `json:"description"`
	SourceLocation       string `json:"source_location"`
}

// Dependencies parses the JSON-encoded dependency list.
func (t *TaskManifest) Dependencies() ([]string, error) {
	if t.DependenciesJSON == "" {
		return nil, nil
	}
	var deps []string
	if err := json.Unmarshal([]byte(t.DependenciesJSON), &deps); err != nil {
		return nil, errors.Wrapf(err, "task %s has malformed dependencies", t.LocalID)
	}
	return deps, nil
}

// WorkflowID extracts the workflow component of the namespaced id
// template (tenant::package::workflow::task).
func (t *TaskManifest) WorkflowID() (string, error) {
	parts := strings.Split(t.NamespacedIDTemplate, "::")
	if len(parts) != 4 || parts[2] == "" {
		return "", errors.Errorf("task %s has malformed namespaced id template %q", t.LocalID, t.NamespacedIDTemplate)
	}
	return parts[2], nil
}

// Manifest is the metadata descriptor a package exports.
type Manifest struct {
	TaskCount           uint32         `json:"task_count"`
	Tasks               []TaskManifest `json:"tasks"`
	PackageName         string         `json:"package_name"`
	PackageDescription  string         `json:"package_description"`
	PackageAuthor       string         `json:"package_author"`
	WorkflowFingerprint string         `json:"workflow_fingerprint"`
	GraphDataJSON       string         `json:"graph_data_json"`
}

// ParseManifest decodes and validates a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "malformed package manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate enforces the manifest invariants: a package name, a bounded
// and consistent task list, unique non-empty local ids, and resolvable
// dependencies.
func (m *Manifest) Validate() error {
	if m.PackageName == "" {
		return errors.New("package manifest missing package_name")
	}
	if len(m.Tasks) > MaxTasksPerPackage {
		return errors.Errorf("package declares %d tasks, limit is %d", len(m.Tasks), MaxTasksPerPackage)
	}
	if m.TaskCount != 0 && int(m.TaskCount) != len(m.Tasks) {
		return errors.Errorf("task_count %d does not match %d declared tasks", m.TaskCount, len(m.Tasks))
	}

	seen := make(map[string]bool, len(m.Tasks))
	for i := range m.Tasks {
		t := &m.Tasks[i]
		if t.LocalID == "" {
			return errors.Errorf("task at index %d has an empty local id", i)
		}
		if seen[t.LocalID] {
			return errors.Errorf("duplicate task id %s", t.LocalID)
		}
		seen[t.LocalID] = true
		if _, err := t.WorkflowID(); err != nil {
			return err
		}
	}

	for i := range m.Tasks {
		deps, err := m.Tasks[i].Dependencies()
		if err != nil {
			return err
		}
		for _, dep := range deps {
			if !seen[dep] {
				return errors.Errorf("task %s depends on undeclared task %s", m.Tasks[i].LocalID, dep)
			}
		}
	}
	return nil
}
