package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneVarsIsolation(t *testing.T) {
	orig := map[string]any{
		"scalar": 1,
		"nested": map[string]any{"list": []any{1, 2, map[string]any{"deep": "v"}}},
	}
	clone := CloneVars(orig)
	require.Equal(t, orig, clone)

	clone["scalar"] = 2
	clone["nested"].(map[string]any)["list"].([]any)[0] = 99
	assert.Equal(t, 1, orig["scalar"])
	assert.Equal(t, 1, orig["nested"].(map[string]any)["list"].([]any)[0])
}

func TestCloneVarsNil(t *testing.T) {
	clone := CloneVars(nil)
	require.NotNil(t, clone)
	assert.Empty(t, clone)
}

func TestLookupPath(t *testing.T) {
	m := map[string]any{
		"nodes": map[string]any{"n1": map[string]any{"output": 42}},
	}

	v, ok := LookupPath(m, "nodes.n1.output")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = LookupPath(m, "nodes.n2.output")
	assert.False(t, ok)

	// Non-map intermediate.
	_, ok = LookupPath(m, "nodes.n1.output.deeper")
	assert.False(t, ok)

	_, ok = LookupPath(m, "")
	assert.False(t, ok)
}

func TestSetPath(t *testing.T) {
	m := map[string]any{}
	SetPath(m, "loops.l1.count", 3)
	SetPath(m, "loops.l1.results", []any{"a"})
	SetPath(m, "top", "v")

	v, ok := LookupPath(m, "loops.l1.count")
	require.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Equal(t, "v", m["top"])

	// Overwriting a scalar intermediate replaces it with a map.
	SetPath(m, "top.sub", 1)
	v, ok = LookupPath(m, "top.sub")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}
