package component

import (
	"context"
	"fmt"
	"sync"

	"github.com/mosaicrt/mosaic/internal/descriptor"
)

// Phase is the lifecycle state of an instance.
//
// Instances only ever move forward: created → materializing → initialized →
// ready. Initialize and Ready are one-shot transitions; Start may run
// repeatedly once the instance is ready.
type Phase int32

const (
	PhaseCreated Phase = iota
	PhaseMaterializing
	PhaseInitialized
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseMaterializing:
		return "materializing"
	case PhaseInitialized:
		return "initialized"
	case PhaseReady:
		return "ready"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Session is the authentication surface the datastore's automatic recovery
// path needs. An instance exposes one by carrying a Session value under the
// "session" key of its state.
type Session interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
}

// Instance is a live, component-backed object: identity, lifecycle hooks, a
// presentation anchor, and component-specific state merged in from resolved
// configuration.
//
// Parent is a navigational back-reference only; it never implies ownership
// and the child never tears its parent down.
type Instance struct {
	mu sync.Mutex

	def    *Definition
	parent *Instance
	serial int64
	index  string

	anchor    any
	state     map[string]any
	autoStart bool

	phase     Phase
	initHook  Hook
	readyHook Hook
}

// OpaqueValue marks instances as atomic for tree resolution.
func (in *Instance) OpaqueValue() {}

var _ descriptor.Opaque = (*Instance)(nil)

// Definition returns the component definition this instance was built from.
func (in *Instance) Definition() *Definition { return in.def }

// Parent returns the navigational parent back-reference, if any.
func (in *Instance) Parent() *Instance { return in.parent }

// Serial is the instance's sequential id, unique within its component.
func (in *Instance) Serial() int64 { return in.serial }

// Index is the globally unique instance index.
func (in *Instance) Index() string { return in.index }

// Anchor returns the root presentation anchor.
func (in *Instance) Anchor() any { return in.anchor }

// SetAnchor sets the root presentation anchor.
func (in *Instance) SetAnchor(anchor any) {
	in.mu.Lock()
	in.anchor = anchor
	in.mu.Unlock()
}

// Phase returns the current lifecycle phase.
func (in *Instance) Phase() Phase {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.phase
}

// AutoStart reports whether the instance asked to be started immediately
// after its ready hook (a "start: true" configuration field).
func (in *Instance) AutoStart() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.autoStart
}

// Get reads one field of the instance's state.
func (in *Instance) Get(key string) (any, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	v, ok := in.state[key]
	return v, ok
}

// Set writes one field of the instance's state.
func (in *Instance) Set(key string, v any) {
	in.mu.Lock()
	in.state[key] = v
	in.mu.Unlock()
}

// Fields returns the state field names in unspecified order.
func (in *Instance) Fields() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	keys := make([]string, 0, len(in.state))
	for k := range in.state {
		keys = append(keys, k)
	}
	return keys
}

// Merge lays resolved configuration fields onto the instance. Resolved fields
// always win over defaults already present. A few fields steer the lifecycle
// directly: "anchor" becomes the presentation anchor, "start" flags the
// instance for immediate start during the ready unwind.
func (in *Instance) Merge(resolved map[string]any) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for k, v := range resolved {
		switch k {
		case "anchor":
			in.anchor = v
		case "start":
			if b, ok := v.(bool); ok {
				in.autoStart = b
			}
		}
		in.state[k] = v
	}
}

// MarkMaterializing flips a freshly created instance into the materializing
// phase for the duration of its orchestration batch.
func (in *Instance) MarkMaterializing() {
	in.mu.Lock()
	if in.phase == PhaseCreated {
		in.phase = PhaseMaterializing
	}
	in.mu.Unlock()
}

// Materializing reports whether the instance's orchestration batch is still
// in flight.
func (in *Instance) Materializing() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.phase == PhaseMaterializing
}

// Initialize runs the instance's initialize hook exactly once. Later calls
// are no-ops: the hook is consumed by its first successful run.
func (in *Instance) Initialize(ctx context.Context) error {
	in.mu.Lock()
	hook := in.initHook
	in.initHook = nil
	in.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, in); err != nil {
			// A failed hook is not consumed; a later orchestration
			// may retry it.
			in.mu.Lock()
			in.initHook = hook
			in.mu.Unlock()
			return fmt.Errorf("initialize %s: %w", in.index, err)
		}
	}

	in.mu.Lock()
	if in.phase < PhaseInitialized {
		in.phase = PhaseInitialized
	}
	in.mu.Unlock()
	return nil
}

// BecomeReady runs the instance's ready hook exactly once, mirroring
// Initialize's one-shot contract.
func (in *Instance) BecomeReady(ctx context.Context) error {
	in.mu.Lock()
	hook := in.readyHook
	in.readyHook = nil
	in.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, in); err != nil {
			in.mu.Lock()
			in.readyHook = hook
			in.mu.Unlock()
			return fmt.Errorf("ready %s: %w", in.index, err)
		}
	}

	in.mu.Lock()
	if in.phase < PhaseReady {
		in.phase = PhaseReady
	}
	in.mu.Unlock()
	return nil
}

// Start runs the definition's run hook. Unlike Initialize and BecomeReady it
// may be called repeatedly.
func (in *Instance) Start(ctx context.Context) error {
	run := in.def.Run
	if run == nil {
		return nil
	}
	if err := run(ctx, in); err != nil {
		return fmt.Errorf("start %s: %w", in.index, err)
	}
	return nil
}

// FindSession walks up the instance chain, starting at this instance, and
// returns the nearest exposed session, or nil when no ancestor carries one.
func (in *Instance) FindSession() Session {
	for cur := in; cur != nil; cur = cur.parent {
		if v, ok := cur.Get("session"); ok {
			if s, ok := v.(Session); ok {
				return s
			}
		}
	}
	return nil
}

// Root walks the parent chain to the top of the instance tree.
func (in *Instance) Root() *Instance {
	cur := in
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur
}

// NewInstance allocates the next instance of def with an optional parent
// back-reference. Exposed for the runtime that drives materialization.
func NewInstance(def *Definition, parent *Instance) *Instance {
	return def.root().newInstance(parent)
}
