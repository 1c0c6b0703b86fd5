package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/mosaicrt/mosaic/internal/descriptor"
)

// Record is one stored document. The "key" field identifies it within its
// store; the optional "_" field carries a permission block and is otherwise
// treated like any other field.
type Record map[string]any

// Key returns the record's key field, normalized, when present.
func (r Record) Key() (string, bool) {
	v, ok := r["key"]
	if !ok {
		return "", false
	}
	key, err := NormalizeKey(v)
	if err != nil {
		return "", false
	}
	return key, true
}

// Clone deep-copies the record.
func (r Record) Clone() Record {
	return Record(descriptor.CloneValue(map[string]any(r)).(map[string]any))
}

// NormalizeKey validates and canonicalizes a record key. Keys are non-empty
// strings (NFC normalized so equal-looking keys collide deliberately) or
// numbers, which are formatted decimally.
func NormalizeKey(v any) (string, error) {
	switch key := v.(type) {
	case string:
		if key == "" {
			return "", &ValidationError{Field: "key", Reason: "empty string"}
		}
		return norm.NFC.String(key), nil
	case int:
		return strconv.Itoa(key), nil
	case int64:
		return strconv.FormatInt(key, 10), nil
	case float64:
		return strconv.FormatFloat(key, 'f', -1, 64), nil
	default:
		return "", &ValidationError{Field: "key", Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

// ResolveFunc resolves dependency descriptors found inside record data during
// a merge. The runtime wires this to its tree resolver; a nil func leaves
// descriptor values untouched.
type ResolveFunc func(ctx context.Context, v any) (any, error)

// mergeInto lays src over dst, recursively: priority (src) values win, nested
// maps merge instead of replacing, dot-path keys in src navigate into nested
// dst fields, and any descriptor found along the way is resolved before
// assignment.
func mergeInto(ctx context.Context, resolve ResolveFunc, dst, src map[string]any) error {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := src[k]
		if resolve != nil {
			if _, isDep := descriptor.FromValue(v); isDep {
				resolved, err := resolve(ctx, v)
				if err != nil {
					return fmt.Errorf("resolve merge value for %q: %w", k, err)
				}
				v = resolved
			}
		}
		if strings.Contains(k, ".") {
			setPath(dst, strings.Split(k, "."), v)
			continue
		}
		if dstMap, ok := dst[k].(map[string]any); ok {
			if srcMap, ok := v.(map[string]any); ok {
				if err := mergeInto(ctx, resolve, dstMap, srcMap); err != nil {
					return err
				}
				continue
			}
		}
		dst[k] = descriptor.CloneValue(v)
	}
	return nil
}

// setPath assigns v at a dot-path inside nested maps, creating intermediate
// maps as needed.
func setPath(dst map[string]any, path []string, v any) {
	for _, seg := range path[:len(path)-1] {
		next, ok := dst[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			dst[seg] = next
		}
		dst = next
	}
	dst[path[len(path)-1]] = descriptor.CloneValue(v)
}

// lookupPath reads a dot-path out of nested maps.
func lookupPath(rec map[string]any, path string) (any, bool) {
	segs := strings.Split(path, ".")
	var cur any = rec
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// matchesFilter reports whether rec is a superset of filter. Filter keys may
// be dot-paths against nested record fields.
func matchesFilter(rec Record, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := lookupPath(rec, k)
		if !ok || !equalValue(got, want) {
			return false
		}
	}
	return true
}

func equalValue(a, b any) bool {
	if am, ok := a.(map[string]any); ok {
		bm, ok := b.(map[string]any)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !equalValue(av, bv) {
				return false
			}
		}
		return true
	}
	if as, ok := a.([]any); ok {
		bs, ok := b.([]any)
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !equalValue(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	// Numeric values survive JSON round-trips as float64; compare across
	// int/float representations.
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
