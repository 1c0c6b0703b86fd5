package component

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/mosaicrt/mosaic/internal/descriptor"
)

// Hook is a per-instance lifecycle callback.
type Hook func(ctx context.Context, inst *Instance) error

// SetupFunc is a definition-level one-time readiness hook, run on first
// registration and consumed afterwards.
type SetupFunc func(ctx context.Context, def *Definition) error

// MaterializeFunc builds a fully resolved, initialized instance from a
// definition and raw configuration. The runtime supplies the implementation;
// keeping it a plain function value avoids an import cycle between the
// component model and the resolver that drives it.
type MaterializeFunc func(ctx context.Context, def *Definition, cfg map[string]any) (*Instance, error)

// Definition describes one registered component: identity, default
// configuration, lifecycle hooks, and a live instance counter.
//
// Copies handed out by the registry share the canonical counter, so the
// instance count stays monotonic across every copy of the same identity.
type Definition struct {
	Name    string
	Version string

	// Defaults is the configuration an instance starts from before resolved
	// configuration is merged on top.
	Defaults map[string]any

	// Init and Ready are templates for the per-instance one-shot hooks.
	Init  Hook
	Ready Hook

	// Run is invoked by Instance.Start; unlike Init/Ready it may run
	// repeatedly.
	Run Hook

	// Setup runs once, at first registration, then is consumed.
	Setup SetupFunc

	counter     *atomic.Int64
	canonical   *Definition
	materialize MaterializeFunc
}

// OpaqueValue marks definitions as atomic for tree resolution.
func (d *Definition) OpaqueValue() {}

var _ descriptor.Opaque = (*Definition)(nil)

// Identity is the registration key: name, or name@version when a semantic
// version was supplied.
func (d *Definition) Identity() string {
	if d.Version == "" {
		return d.Name
	}
	return d.Name + "@" + d.Version
}

// Instances returns the number of instances created so far across all copies
// of this definition.
func (d *Definition) Instances() int64 {
	if d.counter == nil {
		return 0
	}
	return d.counter.Load()
}

// Instance materializes a new instance of this definition with cfg merged
// over the canonical defaults.
func (d *Definition) Instance(ctx context.Context, cfg map[string]any) (*Instance, error) {
	canon := d.root()
	if canon.materialize == nil {
		return nil, fmt.Errorf("component %s: definition is not bound to a runtime", d.Identity())
	}
	return canon.materialize(ctx, canon, cfg)
}

// Start materializes a new instance and starts it immediately.
func (d *Definition) Start(ctx context.Context, cfg map[string]any) (*Instance, error) {
	inst, err := d.Instance(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := inst.Start(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

// root returns the canonical definition this copy was cloned from.
func (d *Definition) root() *Definition {
	if d.canonical != nil {
		return d.canonical
	}
	return d
}

// newInstance allocates the next instance of this definition. The serial is
// unique within the component; the index is globally unique, derived from
// identity and serial together.
func (d *Definition) newInstance(parent *Instance) *Instance {
	canon := d.root()
	serial := canon.counter.Add(1)
	return &Instance{
		def:       canon,
		parent:    parent,
		serial:    serial,
		index:     fmt.Sprintf("%s#%d", canon.Identity(), serial),
		state:     map[string]any{},
		initHook:  canon.Init,
		readyHook: canon.Ready,
	}
}

// clone produces a defensive copy: deep-copied defaults, shared counter,
// freshly bound convenience operations closing over the canonical definition.
func (d *Definition) clone() *Definition {
	canon := d.root()
	return &Definition{
		Name:        canon.Name,
		Version:     canon.Version,
		Defaults:    descriptor.CloneValue(canon.Defaults).(map[string]any),
		Init:        canon.Init,
		Ready:       canon.Ready,
		Run:         canon.Run,
		counter:     canon.counter,
		canonical:   canon,
		materialize: canon.materialize,
	}
}
