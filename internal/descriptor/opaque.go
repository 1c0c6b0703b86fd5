package descriptor

// Opaque marks values whose internals the resolver must never descend into:
// live instances, component definitions, datastores, presentation anchors.
// Descending would re-resolve already-resolved state; the marker also breaks
// back-edges through live object graphs during tree walks.
type Opaque interface {
	OpaqueValue()
}

// IsOpaque reports whether v carries the opaque marker.
func IsOpaque(v any) bool {
	_, ok := v.(Opaque)
	return ok
}

// CloneValue deep-copies plain configuration data (maps, slices, scalars).
// Opaque values and unrecognized types are passed through by reference.
func CloneValue(v any) any {
	if IsOpaque(v) {
		return v
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = CloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}
