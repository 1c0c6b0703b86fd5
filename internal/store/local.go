package store

import (
	"context"
	"sort"
	"sync"
)

// tier is the transport strategy a store commits to at construction.
type tier interface {
	Get(ctx context.Context, keyOrQuery any) (any, error)
	Set(ctx context.Context, rec Record) (string, error)
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// localTier keeps records in an in-memory map, keyed by record key.
type localTier struct {
	mu      sync.RWMutex
	recs    map[string]Record
	resolve ResolveFunc
	keys    KeyGenerator
}

func newLocalTier(resolve ResolveFunc, keys KeyGenerator) *localTier {
	return &localTier{
		recs:    make(map[string]Record),
		resolve: resolve,
		keys:    keys,
	}
}

// Get with a plain key returns a deep copy of the stored record, or nil when
// absent. Get with a filter map returns every record that is a superset of
// the filter, ordered by key for determinism.
func (t *localTier) Get(_ context.Context, keyOrQuery any) (any, error) {
	if filter, ok := keyOrQuery.(map[string]any); ok {
		return t.query(filter), nil
	}

	key, err := NormalizeKey(keyOrQuery)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	rec, ok := t.recs[key]
	t.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (t *localTier) query(filter map[string]any) []Record {
	t.mu.RLock()
	keys := make([]string, 0, len(t.recs))
	for k, rec := range t.recs {
		if matchesFilter(rec, filter) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.recs[k].Clone())
	}
	t.mu.RUnlock()
	return out
}

// Set stores a new record under a generated key when none was supplied, or
// merges onto the existing record when the key is already present.
func (t *localTier) Set(ctx context.Context, rec Record) (string, error) {
	key, ok := rec.Key()
	if !ok {
		if _, present := rec["key"]; present {
			// A key field that fails normalization is a validation error,
			// not a request for a generated key.
			_, err := NormalizeKey(rec["key"])
			return "", err
		}
		key = t.keys.Generate()
	}

	incoming := rec.Clone()
	incoming["key"] = key

	t.mu.Lock()
	defer t.mu.Unlock()
	existing, found := t.recs[key]
	if !found {
		existing = Record{}
		t.recs[key] = existing
	}
	if err := mergeInto(ctx, t.resolve, existing, incoming); err != nil {
		return "", err
	}
	return key, nil
}

// Delete is unconditional removal.
func (t *localTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	delete(t.recs, key)
	t.mu.Unlock()
	return nil
}

func (t *localTier) Clear(context.Context) error {
	t.mu.Lock()
	t.recs = make(map[string]Record)
	t.mu.Unlock()
	return nil
}

func (t *localTier) Close() error { return nil }
