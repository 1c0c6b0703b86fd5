package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"log/slog"

	"github.com/mosaicrt/mosaic/internal/component"
	"github.com/mosaicrt/mosaic/internal/loader"
	"github.com/mosaicrt/mosaic/internal/render"
	"github.com/mosaicrt/mosaic/internal/store"
)

// Runtime owns the dependency resolver, the lifecycle orchestrator, the
// component registry, and a cache of constructed stores keyed by identity.
type Runtime struct {
	registry *component.Registry
	loader   loader.Loader
	renderer render.Renderer
	client   *http.Client
	log      *slog.Logger

	mu     sync.Mutex
	stores map[string]*store.Store
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLoader overrides the resource loader.
func WithLoader(l loader.Loader) Option {
	return func(r *Runtime) { r.loader = l }
}

// WithRenderer overrides the content renderer.
func WithRenderer(rd render.Renderer) Option {
	return func(r *Runtime) { r.renderer = rd }
}

// WithHTTPClient overrides the HTTP client handed to remote stores.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runtime) { r.client = c }
}

// WithLogger overrides the runtime's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Runtime) { r.log = log }
}

// New creates a runtime with its own component registry.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		loader: loader.NewHTTP(),
		client: http.DefaultClient,
		log:    slog.Default(),
		stores: make(map[string]*store.Store),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.loader == nil {
		r.loader = loader.NewHTTP(loader.WithLogger(r.log))
	}
	r.registry = component.NewRegistry(r.materialize,
		component.WithFetch(r.fetchDefinition),
		component.WithLogger(r.log))
	return r
}

// Registry returns the runtime's component registry.
func (r *Runtime) Registry() *component.Registry { return r.registry }

// Render sanitizes and renders a spec through the configured renderer.
func (r *Runtime) Render(ctx context.Context, spec render.Spec, target any) (render.Handle, error) {
	if r.renderer == nil {
		return render.Handle{}, fmt.Errorf("render: no renderer configured")
	}
	return r.renderer.Render(ctx, spec, target)
}

// Store returns the store for cfg, constructing it on first use. Stores are
// shared by identity: the same name, url, and database always yield the same
// store, no matter which instance asked first.
func (r *Runtime) Store(ctx context.Context, cfg store.Config, owner *component.Instance) (*store.Store, error) {
	key := cfg.Identity()

	r.mu.Lock()
	cached, ok := r.stores[key]
	r.mu.Unlock()
	if ok {
		if owner != nil {
			cached.SetOwner(owner)
		}
		return cached, nil
	}

	opts := []store.StoreOption{
		store.WithResolve(r.resolveValue),
		store.WithHTTPClient(r.client),
		store.WithStoreLogger(r.log),
	}
	if owner != nil {
		opts = append(opts, store.WithOwner(owner))
	}
	built, err := store.New(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if cached, ok := r.stores[key]; ok {
		// Lost the construction race; keep the first store.
		r.mu.Unlock()
		built.Close()
		return cached, nil
	}
	r.stores[key] = built
	r.mu.Unlock()

	r.log.Debug("store constructed", "store", cfg.Name, "url", cfg.URL, "db", cfg.DB)
	return built, nil
}

// Close releases every cached store.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for key, st := range r.stores {
		if err := st.Close(); err != nil && first == nil {
			first = fmt.Errorf("close store %q: %w", key, err)
		}
		delete(r.stores, key)
	}
	return first
}

// resolveValue is the hook handed to stores so descriptors embedded in
// record data resolve during merges. Record merges carry no calling
// instance; resolution runs unscoped.
func (r *Runtime) resolveValue(ctx context.Context, v any) (any, error) {
	return r.ResolveTree(ctx, v, nil)
}

// fetchDefinition loads a fetchable component reference through the resource
// loader and hands the raw definition data to the registry.
func (r *Runtime) fetchDefinition(ctx context.Context, url string) (map[string]any, error) {
	v, err := r.loader.Load(ctx, loader.Descriptor{URL: url, Type: "json"})
	if err != nil {
		return nil, err
	}
	data, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("component reference %q: expected definition data, got %T", url, v)
	}
	return data, nil
}
