package loader

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifestJSON() []byte {
	return []byte(`{
		"task_count": 2,
		"tasks": [
			{"index": 0, "local_id": "extract", "namespaced_id_template": "public::analytics::etl::extract", "dependencies_json": "[]"},
			{"index": 1, "local_id": "load", "namespaced_id_template": "public::analytics::etl::load", "dependencies_json": "[\"extract\"]"}
		],
		"package_name": "analytics",
		"package_description": "nightly etl",
		"package_author": "data-eng",
		"workflow_fingerprint": "abc123",
		"graph_data_json": ""
	}`)
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest(validManifestJSON())
	require.NoError(t, err)

	assert.Equal(t, "analytics", m.PackageName)
	assert.Len(t, m.Tasks, 2)

	deps, err := m.Tasks[1].Dependencies()
	require.NoError(t, err)
	assert.Equal(t, []string{"extract"}, deps)

	wfID, err := m.Tasks[0].WorkflowID()
	require.NoError(t, err)
	assert.Equal(t, "etl", wfID)
}

func TestParseManifestRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Manifest)
	}{
		{"missing package name", func(m *Manifest) { m.PackageName = "" }},
		{"task count mismatch", func(m *Manifest) { m.TaskCount = 7 }},
		{"empty local id", func(m *Manifest) { m.Tasks[0].LocalID = "" }},
		{"duplicate local id", func(m *Manifest) { m.Tasks[1].LocalID = m.Tasks[0].LocalID }},
		{"bad namespace template", func(m *Manifest) { m.Tasks[0].NamespacedIDTemplate = "just-a-name" }},
		{"unknown dependency", func(m *Manifest) { m.Tasks[1].DependenciesJSON = `["ghost"]` }},
		{"malformed dependencies json", func(m *Manifest) { m.Tasks[1].DependenciesJSON = `{` }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest(validManifestJSON())
			require.NoError(t, err)
			tt.mutate(m)
			require.Error(t, m.Validate())
		})
	}
}

func TestParseManifestTaskBound(t *testing.T) {
	tasks := make([]TaskManifest, MaxTasksPerPackage+1)
	for i := range tasks {
		tasks[i] = TaskManifest{
			LocalID:              fmt.Sprintf("t%d", i),
			NamespacedIDTemplate: fmt.Sprintf("public::big::wf::t%d", i),
		}
	}
	m := Manifest{PackageName: "big", Tasks: tasks}
	data, err := json.Marshal(m)
	require.NoError(t, err)

	_, err = ParseManifest(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestExtractManifestFromJSONDocument(t *testing.T) {
	m, err := ExtractManifest(append([]byte("  \n"), validManifestJSON()...))
	require.NoError(t, err)
	assert.Equal(t, "analytics", m.PackageName)
}

func TestBuildWorkflowFromManifest(t *testing.T) {
	m, err := ParseManifest(validManifestJSON())
	require.NoError(t, err)

	wf, err := BuildWorkflow(m, "public")
	require.NoError(t, err)

	assert.Equal(t, "etl", wf.Name)
	assert.Equal(t, "analytics", wf.Package)
	assert.Equal(t, "abc123", wf.Version)
	assert.Equal(t, []string{"extract", "load"}, wf.TopologicalOrder())
}

func TestBuildWorkflowRejectsMixedWorkflows(t *testing.T) {
	m, err := ParseManifest(validManifestJSON())
	require.NoError(t, err)
	m.Tasks[1].NamespacedIDTemplate = "public::analytics::other::load"

	_, err = BuildWorkflow(m, "public")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mixes workflows")
}
