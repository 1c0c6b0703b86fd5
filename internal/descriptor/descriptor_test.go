package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromValue_Recognized(t *testing.T) {
	d, ok := FromValue([]any{"get-record", map[string]any{"key": "a"}})
	require.True(t, ok)
	assert.Equal(t, OpGetRecord, d.Op)
	require.Len(t, d.Args, 1)
}

func TestFromValue_UnknownTagIsNotADependency(t *testing.T) {
	// An unrecognized first element means "not a dependency", not an error.
	_, ok := FromValue([]any{"frobnicate", 1, 2})
	assert.False(t, ok)
}

func TestFromValue_NonListValues(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"string", "get-record"},
		{"map", map[string]any{"get-record": true}},
		{"empty list", []any{}},
		{"non-string head", []any{42, "x"}},
		{"nil", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := FromValue(tt.in)
			assert.False(t, ok)
		})
	}
}

func TestClone_NoAliasing(t *testing.T) {
	cfg := map[string]any{"nested": map[string]any{"a": "x"}}
	d, ok := FromValue([]any{"set-record", cfg})
	require.True(t, ok)

	clone := d.Clone()
	clone.Args[0].(map[string]any)["nested"].(map[string]any)["a"] = "mutated"

	assert.Equal(t, "x", cfg["nested"].(map[string]any)["a"],
		"mutating the clone must not touch the caller's data")
}

type opaqueStub struct{}

func (opaqueStub) OpaqueValue() {}

func TestCloneValue_OpaquePassthrough(t *testing.T) {
	o := &opaqueStub{}
	tree := map[string]any{"anchor": o, "list": []any{1, "two"}}

	out := CloneValue(tree).(map[string]any)
	assert.Same(t, o, out["anchor"], "opaque values are copied by reference")

	list := out["list"].([]any)
	list[0] = 99
	assert.Equal(t, 1, tree["list"].([]any)[0])
}
