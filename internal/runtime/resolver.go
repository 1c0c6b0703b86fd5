package runtime

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mosaicrt/mosaic/internal/component"
	"github.com/mosaicrt/mosaic/internal/descriptor"
	"github.com/mosaicrt/mosaic/internal/loader"
	"github.com/mosaicrt/mosaic/internal/store"
)

// ResolveTree resolves every dependency descriptor embedded in node,
// concurrently, and returns a structural copy with results substituted in
// place. The caller's object graph is never mutated.
//
// Opaque values are skipped without descent; descriptors at any depth run
// concurrently with joint completion; a single failing descriptor fails the
// whole resolution with the first-observed error, and no partial result is
// returned.
func (r *Runtime) ResolveTree(ctx context.Context, node any, caller *component.Instance) (any, error) {
	if descriptor.IsOpaque(node) {
		return node, nil
	}
	if d, ok := descriptor.FromValue(node); ok {
		return r.ResolveOne(ctx, d, caller)
	}

	clone := descriptor.CloneValue(node)

	var (
		mu   sync.Mutex
		jobs []func(ctx context.Context) error
	)
	r.collectJobs(clone, caller, &jobs, &mu)

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		g.Go(func() error { return job(gctx) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return clone, nil
}

// collectJobs walks the cloned tree depth-first with sorted map keys and
// schedules one job per embedded descriptor. Jobs write their results back
// into the clone's containers under mu, so sibling resolutions can land in
// any order.
func (r *Runtime) collectJobs(node any, caller *component.Instance, jobs *[]func(ctx context.Context) error, mu *sync.Mutex) {
	switch val := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := val[k]
			if descriptor.IsOpaque(v) {
				continue
			}
			if d, ok := descriptor.FromValue(v); ok {
				k := k
				*jobs = append(*jobs, func(ctx context.Context) error {
					out, err := r.ResolveOne(ctx, d, caller)
					if err != nil {
						return err
					}
					mu.Lock()
					val[k] = out
					mu.Unlock()
					return nil
				})
				continue
			}
			r.collectJobs(v, caller, jobs, mu)
		}
	case []any:
		for i, v := range val {
			if descriptor.IsOpaque(v) {
				continue
			}
			if d, ok := descriptor.FromValue(v); ok {
				i := i
				*jobs = append(*jobs, func(ctx context.Context) error {
					out, err := r.ResolveOne(ctx, d, caller)
					if err != nil {
						return err
					}
					mu.Lock()
					val[i] = out
					mu.Unlock()
					return nil
				})
				continue
			}
			r.collectJobs(v, caller, jobs, mu)
		}
	}
}

// ResolveOne resolves a single descriptor by dispatching on its operation.
// The caller, when present, scopes resource loads to its presentation
// context, threads through store operations as the owning instance, and
// becomes the parent of instances built along the way.
func (r *Runtime) ResolveOne(ctx context.Context, d descriptor.Descriptor, caller *component.Instance) (any, error) {
	d = d.Clone()

	switch d.Op {
	case descriptor.OpLoadResource:
		return r.loadResource(ctx, d, caller)

	case descriptor.OpGetComponent:
		defaults, _ := d.MapArg(1)
		return r.registry.Register(ctx, d.Arg(0), defaults)

	case descriptor.OpGetInstance:
		def, err := r.componentArg(ctx, d.Arg(0), caller)
		if err != nil {
			return nil, err
		}
		cfg, err := r.instanceConfig(ctx, d.Arg(1), caller)
		if err != nil {
			return nil, err
		}
		return def.Instance(ctx, cfg)

	case descriptor.OpGetProxyInstance:
		def, err := r.componentArg(ctx, d.Arg(0), caller)
		if err != nil {
			return nil, err
		}
		// Deliberately unresolved: a proxy defers its configuration's
		// resolution and resource loading until its first start.
		cfg, _ := d.MapArg(1)
		cfg = withParent(cfg, caller)
		return component.NewProxy(def, cfg), nil

	case descriptor.OpStartInstance:
		def, err := r.componentArg(ctx, d.Arg(0), caller)
		if err != nil {
			return nil, err
		}
		cfg, err := r.instanceConfig(ctx, d.Arg(1), caller)
		if err != nil {
			return nil, err
		}
		return def.Start(ctx, cfg)

	case descriptor.OpGetStore:
		cfg, err := storeConfigArg(d.Arg(0))
		if err != nil {
			return nil, err
		}
		return r.Store(ctx, cfg, caller)

	case descriptor.OpGetRecord:
		st, err := r.storeArg(ctx, d.Arg(0), caller)
		if err != nil {
			return nil, err
		}
		key, err := r.valueArg(ctx, d.Arg(1), caller)
		if err != nil {
			return nil, err
		}
		return st.Get(ctx, key)

	case descriptor.OpSetRecord:
		st, err := r.storeArg(ctx, d.Arg(0), caller)
		if err != nil {
			return nil, err
		}
		rec, ok := d.MapArg(1)
		if !ok {
			return nil, fmt.Errorf("set-record: second argument must be a record, got %T", d.Arg(1))
		}
		return st.Set(ctx, store.Record(rec))

	case descriptor.OpDeleteRecord:
		st, err := r.storeArg(ctx, d.Arg(0), caller)
		if err != nil {
			return nil, err
		}
		key, err := r.valueArg(ctx, d.Arg(1), caller)
		if err != nil {
			return nil, err
		}
		if err := st.Delete(ctx, key); err != nil {
			return nil, err
		}
		return store.DeletedSentinel, nil

	default:
		return nil, fmt.Errorf("resolve: unknown operation %q", d.Op)
	}
}

// loadResource forwards to the resource loader, scoping the load to the
// calling instance's presentation context when one exists.
func (r *Runtime) loadResource(ctx context.Context, d descriptor.Descriptor, caller *component.Instance) (any, error) {
	ld, err := loadDescriptorArg(d.Arg(0))
	if err != nil {
		return nil, err
	}
	if ld.Context == nil && caller != nil {
		if anchor := caller.Anchor(); anchor != nil {
			ld.Context = anchor
		} else {
			ld.Context = caller
		}
	}
	return r.loader.Load(ctx, ld)
}

// componentArg coerces the first argument of an instance operation into a
// definition: a live definition, a registered identity, a fetchable
// reference, raw definition data, or a nested descriptor.
func (r *Runtime) componentArg(ctx context.Context, arg any, caller *component.Instance) (*component.Definition, error) {
	switch v := arg.(type) {
	case *component.Definition:
		return v, nil
	case string:
		if def, ok := r.registry.Lookup(v); ok {
			return def, nil
		}
		return r.registry.Register(ctx, v, nil)
	case map[string]any:
		return r.registry.Register(ctx, v, nil)
	default:
		if d, ok := descriptor.FromValue(arg); ok {
			out, err := r.ResolveOne(ctx, d, caller)
			if err != nil {
				return nil, err
			}
			if def, ok := out.(*component.Definition); ok {
				return def, nil
			}
			return nil, fmt.Errorf("component argument resolved to %T, not a definition", out)
		}
		return nil, fmt.Errorf("component argument has unsupported type %T", arg)
	}
}

// instanceConfig resolves an instance operation's configuration before use
// and augments it with the calling instance as parent.
func (r *Runtime) instanceConfig(ctx context.Context, arg any, caller *component.Instance) (map[string]any, error) {
	cfg := map[string]any{}
	if arg != nil {
		raw, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("instance configuration must be a map, got %T", arg)
		}
		resolved, err := r.ResolveTree(ctx, raw, caller)
		if err != nil {
			return nil, err
		}
		cfg = resolved.(map[string]any)
	}
	return withParent(cfg, caller), nil
}

func withParent(cfg map[string]any, caller *component.Instance) map[string]any {
	if cfg == nil {
		cfg = map[string]any{}
	}
	if caller != nil {
		cfg["parent"] = caller
	}
	return cfg
}

// storeArg coerces a record operation's first argument into a store: a live
// store, a store configuration, or a nested get-store descriptor.
func (r *Runtime) storeArg(ctx context.Context, arg any, caller *component.Instance) (*store.Store, error) {
	switch v := arg.(type) {
	case *store.Store:
		if caller != nil {
			v.SetOwner(caller)
		}
		return v, nil
	case map[string]any:
		cfg, err := storeConfigArg(v)
		if err != nil {
			return nil, err
		}
		return r.Store(ctx, cfg, caller)
	default:
		if d, ok := descriptor.FromValue(arg); ok {
			out, err := r.ResolveOne(ctx, d, caller)
			if err != nil {
				return nil, err
			}
			if st, ok := out.(*store.Store); ok {
				return st, nil
			}
			return nil, fmt.Errorf("store argument resolved to %T, not a store", out)
		}
		return nil, fmt.Errorf("store argument has unsupported type %T", arg)
	}
}

// valueArg resolves an argument that may itself be a descriptor.
func (r *Runtime) valueArg(ctx context.Context, arg any, caller *component.Instance) (any, error) {
	if d, ok := descriptor.FromValue(arg); ok {
		return r.ResolveOne(ctx, d, caller)
	}
	return arg, nil
}

// storeConfigArg decodes a get-store argument into a store configuration.
func storeConfigArg(arg any) (store.Config, error) {
	switch v := arg.(type) {
	case string:
		return store.Config{Name: v}, nil
	case map[string]any:
		cfg := store.Config{}
		cfg.Name, _ = v["name"].(string)
		cfg.URL, _ = v["url"].(string)
		cfg.DB, _ = v["db"].(string)
		cfg.Realm, _ = v["realm"].(string)
		cfg.Token, _ = v["token"].(string)
		cfg.Path, _ = v["path"].(string)
		cfg.Channel, _ = v["channel"].(bool)
		return cfg, nil
	default:
		return store.Config{}, fmt.Errorf("get-store: argument has unsupported type %T", arg)
	}
}

// loadDescriptorArg decodes a load-resource argument: a bare URL or a full
// resource descriptor map.
func loadDescriptorArg(arg any) (loader.Descriptor, error) {
	switch v := arg.(type) {
	case string:
		return loader.Descriptor{URL: v}, nil
	case map[string]any:
		d := loader.Descriptor{}
		d.URL, _ = v["url"].(string)
		d.Type, _ = v["type"].(string)
		d.Method, _ = v["method"].(string)
		d.Context = v["context"]
		if params, ok := v["params"].(map[string]any); ok {
			d.Params = url.Values{}
			for k, pv := range params {
				switch p := pv.(type) {
				case []any:
					for _, item := range p {
						d.Params.Add(k, fmt.Sprint(item))
					}
				default:
					d.Params.Set(k, fmt.Sprint(p))
				}
			}
		}
		d.Headers = stringMap(v["headers"])
		d.Attr = stringMap(v["attr"])
		if d.URL == "" {
			return loader.Descriptor{}, fmt.Errorf("load-resource: url is empty")
		}
		return d, nil
	default:
		return loader.Descriptor{}, fmt.Errorf("load-resource: argument has unsupported type %T", arg)
	}
}

func stringMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, item := range raw {
		out[k] = fmt.Sprint(item)
	}
	return out
}
