package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNamespace(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Namespace
		wantErr bool
	}{
		{"valid", "public::embedded::etl::extract", Namespace{"public", "embedded", "etl", "extract"}, false},
		{"tenant", "tenant_123::analytics::pipeline::load", Namespace{"tenant_123", "analytics", "pipeline", "load"}, false},
		{"too few parts", "public::embedded::etl", Namespace{}, true},
		{"too many parts", "a::b::c::d::e", Namespace{}, true},
		{"empty component", "public::::etl::extract", Namespace{}, true},
		{"empty string", "", Namespace{}, true},
		{"single colon separators", "a:b:c:d", Namespace{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNamespace(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNamespaceRoundtrip(t *testing.T) {
	ns := NewNamespace("tenant_a", "pkg", "wf", "task")
	parsed, err := ParseNamespace(ns.String())
	require.NoError(t, err)
	assert.Equal(t, ns, parsed)
}

func TestNamespaceDefaults(t *testing.T) {
	ns := EmbeddedNamespace("customer_etl", "extract_data")
	assert.Equal(t, "public::embedded::customer_etl::extract_data", ns.String())
	assert.True(t, ns.IsPublic())
	assert.True(t, ns.IsEmbedded())

	pkg := PackagedNamespace("analytics", "data_pipeline", "extract_data")
	assert.Equal(t, "public::analytics::data_pipeline::extract_data", pkg.String())
	assert.False(t, pkg.IsEmbedded())
}

func TestNamespacePublicFallback(t *testing.T) {
	ns := NewNamespace("tenant_a", "pkg", "wf", "task")
	fallback, ok := ns.PublicFallback()
	require.True(t, ok)
	assert.Equal(t, "public::pkg::wf::task", fallback.String())

	_, ok = fallback.PublicFallback()
	assert.False(t, ok)
}
