package runtime

import (
	"context"
	"fmt"
	"sort"

	"github.com/mosaicrt/mosaic/internal/component"
)

// materialize is the registry-injected instance builder: resolve the
// configuration with the new instance as resolution context, merge the
// result onto the instance, then orchestrate the two-phase startup of the
// subtree that resolution built.
//
// A child built while its parent is still materializing skips orchestration
// entirely: the parent's in-flight discovery will find it, so the whole
// subtree initializes and becomes ready as one batch instead of N
// overlapping ones.
func (r *Runtime) materialize(ctx context.Context, def *component.Definition, cfg map[string]any) (*component.Instance, error) {
	parent, _ := cfg["parent"].(*component.Instance)
	inst := component.NewInstance(def, parent)
	inst.MarkMaterializing()

	raw := make(map[string]any, len(def.Defaults)+len(cfg))
	for k, v := range def.Defaults {
		raw[k] = v
	}
	for k, v := range cfg {
		if k == "parent" {
			continue
		}
		raw[k] = v
	}

	resolved, err := r.ResolveTree(ctx, raw, inst)
	if err != nil {
		return nil, fmt.Errorf("materialize %s: %w", inst.Index(), err)
	}
	inst.Merge(resolved.(map[string]any))

	if parent != nil && parent.Materializing() {
		return inst, nil
	}

	if err := r.orchestrate(ctx, inst); err != nil {
		return nil, err
	}

	r.log.Debug("instance materialized", "instance", inst.Index())
	return inst, nil
}

// orchestrate drives the startup protocol over the subtree rooted at inst:
// discovery fixes the order, initialize runs strictly forward, ready runs
// strictly in reverse, and instances flagged for immediate start are started
// synchronously right after their own ready call.
//
// A failing hook aborts the remaining phase. Instances already past a phase
// keep it: their one-shot hooks were consumed, so re-discovery is harmless.
func (r *Runtime) orchestrate(ctx context.Context, inst *component.Instance) error {
	order := discover(inst)

	for _, in := range order {
		if err := in.Initialize(ctx); err != nil {
			return err
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		in := order[i]
		if err := in.BecomeReady(ctx); err != nil {
			return err
		}
		if in.AutoStart() {
			if err := in.Start(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// discover walks the live object graph under root breadth-first and returns
// every directly or transitively held instance, root first. The order is
// deterministic for a given graph: state fields and map keys are visited
// sorted, slices in index order.
//
// Parent back-references are never followed (they point up, not down) and
// proxies are never collected: a proxy has not resolved yet and must not be
// force-started by someone else's batch.
func discover(root *component.Instance) []*component.Instance {
	seen := map[*component.Instance]bool{root: true}
	order := []*component.Instance{root}

	for i := 0; i < len(order); i++ {
		cur := order[i]
		fields := cur.Fields()
		sort.Strings(fields)
		for _, k := range fields {
			if k == "parent" {
				continue
			}
			v, _ := cur.Get(k)
			collectInstances(v, func(in *component.Instance) {
				if !seen[in] {
					seen[in] = true
					order = append(order, in)
				}
			})
		}
	}
	return order
}

// collectInstances finds instance values nested in plain configuration data.
// It never descends into other opaque values (stores, definitions, handles):
// their internals are not part of this instance's field graph.
func collectInstances(v any, visit func(*component.Instance)) {
	switch val := v.(type) {
	case *component.Instance:
		visit(val)
	case *component.Proxy:
		// deferred; skipped by contract
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectInstances(val[k], visit)
		}
	case []any:
		for _, item := range val {
			collectInstances(item, visit)
		}
	}
}
