package component

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// FetchFunc loads a fetchable definition reference (a URL) into raw
// definition data. The runtime wires this to the resource loader.
type FetchFunc func(ctx context.Context, url string) (map[string]any, error)

// TagBinder defines the platform-level tag binding for an identity. It runs
// exactly once per identity, on first registration.
type TagBinder func(def *Definition) error

// Registry is the process-wide table of component definitions, keyed by
// identity. It mediates all instance creation.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition

	materialize MaterializeFunc
	fetch       FetchFunc
	bindTag     TagBinder
	log         *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithFetch wires the loader used for fetchable definition references.
func WithFetch(fetch FetchFunc) RegistryOption {
	return func(r *Registry) { r.fetch = fetch }
}

// WithTagBinder wires the once-per-identity platform tag binding.
func WithTagBinder(bind TagBinder) RegistryOption {
	return func(r *Registry) { r.bindTag = bind }
}

// WithLogger overrides the registry's logger.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// NewRegistry creates an empty registry. The materialize function is supplied
// by the runtime that owns instance construction.
func NewRegistry(materialize MaterializeFunc, opts ...RegistryOption) *Registry {
	r := &Registry{
		defs:        make(map[string]*Definition),
		materialize: materialize,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register registers a component definition or fetchable reference and
// returns a defensive copy of the canonical definition.
//
// ref may be a *Definition, raw definition data (map with "name", optional
// "version" and "defaults"), or a URL string resolved through the fetch hook.
// defaults, when non-nil, seed the definition's default configuration on
// first registration.
//
// Registration is idempotent: re-registering an identity returns a fresh copy
// of the already-registered definition and never replaces it, protecting
// already-running instances from redefinition.
func (r *Registry) Register(ctx context.Context, ref any, defaults map[string]any) (*Definition, error) {
	def, err := r.coerce(ctx, ref)
	if err != nil {
		return nil, err
	}
	if def.Name == "" {
		return nil, fmt.Errorf("register component: name is empty")
	}
	if defaults != nil && def.Defaults == nil {
		def.Defaults = defaults
	}

	key := def.Identity()

	r.mu.Lock()
	if existing, ok := r.defs[key]; ok {
		r.mu.Unlock()
		return existing.clone(), nil
	}
	def.counter = &atomic.Int64{}
	def.materialize = r.materialize
	r.defs[key] = def
	r.mu.Unlock()

	// First registration only: one-time readiness hook, consumed after its
	// single successful run, and the platform tag binding for this identity.
	if def.Setup != nil {
		setup := def.Setup
		if err := setup(ctx, def); err != nil {
			r.mu.Lock()
			delete(r.defs, key)
			r.mu.Unlock()
			return nil, fmt.Errorf("setup component %s: %w", key, err)
		}
		def.Setup = nil
	}
	if r.bindTag != nil {
		if err := r.bindTag(def); err != nil {
			return nil, fmt.Errorf("bind tag for component %s: %w", key, err)
		}
	}

	r.log.Debug("component registered", "component", key)
	return def.clone(), nil
}

// Lookup returns a defensive copy of a registered definition.
func (r *Registry) Lookup(identity string) (*Definition, bool) {
	r.mu.RLock()
	def, ok := r.defs[identity]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return def.clone(), true
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// coerce turns a registration argument into a *Definition.
func (r *Registry) coerce(ctx context.Context, ref any) (*Definition, error) {
	switch v := ref.(type) {
	case *Definition:
		return v, nil
	case Definition:
		return &v, nil
	case map[string]any:
		return definitionFromData(v)
	case string:
		if r.fetch == nil {
			return nil, fmt.Errorf("register component: no loader configured for reference %q", v)
		}
		data, err := r.fetch(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("fetch component definition %q: %w", v, err)
		}
		return definitionFromData(data)
	default:
		return nil, fmt.Errorf("register component: unsupported reference type %T", ref)
	}
}

func definitionFromData(data map[string]any) (*Definition, error) {
	name, _ := data["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("component definition data: name is missing")
	}
	def := &Definition{Name: name}
	if v, ok := data["version"].(string); ok {
		def.Version = v
	}
	if v, ok := data["defaults"].(map[string]any); ok {
		def.Defaults = v
	}
	return def, nil
}
