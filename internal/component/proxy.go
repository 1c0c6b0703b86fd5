package component

import (
	"context"
	"sync"

	"github.com/mosaicrt/mosaic/internal/descriptor"
)

// Proxy is a placeholder standing in for a not-yet-built instance. It defers
// resolution and resource loading until the first Start call, at which point
// it materializes the real instance in place and delegates from then on.
//
// Proxies carry the opaque marker like real instances, so tree resolution and
// instance discovery both treat them as atomic values; discovery additionally
// skips them outright, because a proxy must never be force-started by a
// parent's orchestration batch.
type Proxy struct {
	mu   sync.Mutex
	def  *Definition
	cfg  map[string]any
	inst *Instance
}

// OpaqueValue marks proxies as atomic for tree resolution.
func (p *Proxy) OpaqueValue() {}

var _ descriptor.Opaque = (*Proxy)(nil)

// NewProxy creates a deferred stand-in for an instance of def with cfg.
func NewProxy(def *Definition, cfg map[string]any) *Proxy {
	return &Proxy{def: def.root(), cfg: cfg}
}

// Start materializes the real instance on first call, then starts it. Every
// later call starts the already-materialized instance again.
func (p *Proxy) Start(ctx context.Context) (*Instance, error) {
	p.mu.Lock()
	inst := p.inst
	p.mu.Unlock()

	if inst == nil {
		built, err := p.def.Instance(ctx, p.cfg)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.inst == nil {
			p.inst = built
			p.cfg = nil
		}
		inst = p.inst
		p.mu.Unlock()
	}

	if err := inst.Start(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

// Resolved returns the materialized instance, or nil before the first Start.
func (p *Proxy) Resolved() *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inst
}
