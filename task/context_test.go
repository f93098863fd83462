package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextSetGet(t *testing.T) {
	c := NewContext()
	require.NoError(t, c.Set("count", 42))
	require.NoError(t, c.Set("name", "etl"))

	var count int
	ok, err := c.Get("count", &count)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42, count)

	var missing string
	ok, err = c.Get("absent", &missing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContextJSONRoundtrip(t *testing.T) {
	c := NewContext()
	require.NoError(t, c.Set("rows", []int{1, 2, 3}))
	require.NoError(t, c.Set("meta", map[string]string{"source": "s3"}))

	data, err := c.ToJSON()
	require.NoError(t, err)

	restored, err := ContextFromJSON(data)
	require.NoError(t, err)

	var rows []int
	ok, err := restored.Get("rows", &rows)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3}, rows)
	assert.ElementsMatch(t, []string{"meta", "rows"}, restored.Keys())
}

func TestContextCloneIsDeep(t *testing.T) {
	c := NewContext()
	require.NoError(t, c.Set("k", "v1"))

	clone := c.Clone()
	require.NoError(t, c.Set("k", "v2"))

	var got string
	_, err := clone.Get("k", &got)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
}

func TestContextMergeOverwrites(t *testing.T) {
	a := NewContext()
	require.NoError(t, a.Set("k", "a"))
	require.NoError(t, a.Set("only_a", 1))

	b := NewContext()
	require.NoError(t, b.Set("k", "b"))

	a.Merge(b)

	var got string
	_, err := a.Get("k", &got)
	require.NoError(t, err)
	assert.Equal(t, "b", got)
	assert.Equal(t, 2, a.Len())
}

func TestContextEmpty(t *testing.T) {
	c := NewContext()
	assert.True(t, c.IsEmpty())
	require.NoError(t, c.Set("k", 1))
	assert.False(t, c.IsEmpty())
	c.Delete("k")
	assert.True(t, c.IsEmpty())
}

func TestContextFromInvalidJSON(t *testing.T) {
	_, err := ContextFromJSON([]byte("not json"))
	require.Error(t, err)
}
