package runtime_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicrt/mosaic/internal/component"
	"github.com/mosaicrt/mosaic/internal/descriptor"
	"github.com/mosaicrt/mosaic/internal/render"
	"github.com/mosaicrt/mosaic/internal/runtime"
	"github.com/mosaicrt/mosaic/internal/store"
)

// recorder collects lifecycle events from hooks running on several
// goroutines.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) filter(prefix string) []string {
	var out []string
	for _, e := range r.snapshot() {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			out = append(out, e[len(prefix):])
		}
	}
	return out
}

func label(in *component.Instance) string {
	v, _ := in.Get("label")
	s, _ := v.(string)
	return s
}

// registerNode registers a component whose hooks record against rec.
func registerNode(t *testing.T, rt *runtime.Runtime, name string, rec *recorder) *component.Definition {
	t.Helper()
	def, err := rt.Registry().Register(context.Background(), &component.Definition{
		Name: name,
		Init: func(_ context.Context, in *component.Instance) error {
			rec.add("init:" + label(in))
			return nil
		},
		Ready: func(_ context.Context, in *component.Instance) error {
			rec.add("ready:" + label(in))
			return nil
		},
		Run: func(_ context.Context, in *component.Instance) error {
			rec.add("run:" + label(in))
			return nil
		},
	}, nil)
	require.NoError(t, err)
	return def
}

func TestResolveTree_PlainTreeIsDeepCopy(t *testing.T) {
	rt := runtime.New()
	input := map[string]any{
		"title": "hello",
		"nested": map[string]any{
			"list": []any{1, 2, map[string]any{"k": "v"}},
		},
	}

	out, err := rt.ResolveTree(context.Background(), input, nil)
	require.NoError(t, err)
	assert.Equal(t, input, out)

	out.(map[string]any)["nested"].(map[string]any)["list"].([]any)[2].(map[string]any)["k"] = "mutated"
	assert.Equal(t, "v", input["nested"].(map[string]any)["list"].([]any)[2].(map[string]any)["k"],
		"the caller's tree is never mutated")
}

func TestResolveTree_UnknownTagIsNotADependency(t *testing.T) {
	rt := runtime.New()
	input := map[string]any{
		"plain": []any{"definitely-not-an-op", "x"},
	}
	out, err := rt.ResolveTree(context.Background(), input, nil)
	require.NoError(t, err)
	assert.Equal(t, input, out)
}

func TestResolveTree_SingleFailureRejectsWholeTree(t *testing.T) {
	rt := runtime.New()
	input := map[string]any{
		"good": []any{"get-store", map[string]any{}},
		"bad":  []any{"load-resource", 42},
	}
	_, err := rt.ResolveTree(context.Background(), input, nil)
	require.Error(t, err)
}

func TestResolveTree_OpaqueValuesAreSkipped(t *testing.T) {
	rt := runtime.New()
	st, err := rt.Store(context.Background(), store.Config{}, nil)
	require.NoError(t, err)

	input := map[string]any{"db": st}
	out, err := rt.ResolveTree(context.Background(), input, nil)
	require.NoError(t, err)
	assert.Same(t, st, out.(map[string]any)["db"], "opaque values pass through by reference")
}

func TestRender_SanitizesAndYieldsOpaqueHandle(t *testing.T) {
	var sb strings.Builder
	rt := runtime.New(runtime.WithRenderer(&render.HTML{W: &sb}))
	ctx := context.Background()

	handle, err := rt.Render(ctx, render.Spec{
		Tag:  "div",
		Text: "hi",
		Children: []render.Spec{
			{Tag: "script", Text: "evil()"},
		},
	}, "root")
	require.NoError(t, err)
	assert.Equal(t, `<div id="root">hi</div>`, sb.String())
	assert.Empty(t, handle.Spec.Children, "executable children are stripped before insertion")

	out, err := rt.ResolveTree(ctx, map[string]any{"view": handle}, nil)
	require.NoError(t, err)
	assert.Equal(t, handle, out.(map[string]any)["view"], "handles pass through resolution untouched")
}

func TestRender_NoRendererConfigured(t *testing.T) {
	rt := runtime.New()
	_, err := rt.Render(context.Background(), render.Spec{Tag: "div"}, nil)
	require.Error(t, err)
}

func TestResolveOne_StoreIsCachedByIdentity(t *testing.T) {
	rt := runtime.New()
	ctx := context.Background()

	first, err := rt.ResolveOne(ctx, descriptor.Descriptor{
		Op: descriptor.OpGetStore, Args: []any{map[string]any{}},
	}, nil)
	require.NoError(t, err)
	second, err := rt.ResolveOne(ctx, descriptor.Descriptor{
		Op: descriptor.OpGetStore, Args: []any{map[string]any{}},
	}, nil)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestResolveOne_RecordOperations(t *testing.T) {
	rt := runtime.New()
	ctx := context.Background()
	cfg := map[string]any{}

	key, err := rt.ResolveOne(ctx, descriptor.Descriptor{
		Op:   descriptor.OpSetRecord,
		Args: []any{cfg, map[string]any{"key": "k", "v": 1}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "k", key)

	rec, err := rt.ResolveOne(ctx, descriptor.Descriptor{
		Op:   descriptor.OpGetRecord,
		Args: []any{cfg, "k"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.(store.Record)["v"])

	out, err := rt.ResolveOne(ctx, descriptor.Descriptor{
		Op:   descriptor.OpDeleteRecord,
		Args: []any{cfg, "k"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, store.DeletedSentinel, out)
}

func TestResolveOne_LoadResource(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"greeting":"hi"}`)
	}))
	t.Cleanup(ts.Close)

	rt := runtime.New()
	out, err := rt.ResolveOne(context.Background(), descriptor.Descriptor{
		Op: descriptor.OpLoadResource, Args: []any{ts.URL},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greeting": "hi"}, out)
}

func TestMaterialize_InitOrderIsReverseOfReadyOrder(t *testing.T) {
	rec := &recorder{}
	rt := runtime.New()
	def := registerNode(t, rt, "node", rec)

	inst, err := def.Instance(context.Background(), map[string]any{
		"label": "root",
		"a": []any{"get-instance", "node", map[string]any{
			"label": "a",
			"kids": map[string]any{
				"deep": []any{"get-instance", "node", map[string]any{"label": "a.deep"}},
			},
		}},
		"b": []any{"get-instance", "node", map[string]any{"label": "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, component.PhaseReady, inst.Phase())

	inits := rec.filter("init:")
	readies := rec.filter("ready:")
	require.Equal(t, []string{"root", "a", "b", "a.deep"}, inits,
		"initialize runs in breadth-first discovery order")

	reversed := make([]string, len(inits))
	for i, v := range inits {
		reversed[len(inits)-1-i] = v
	}
	assert.Equal(t, reversed, readies, "ready unwinds in reverse discovery order")
}

func TestMaterialize_ChildrenFoldIntoParentBatch(t *testing.T) {
	rec := &recorder{}
	rt := runtime.New()
	def := registerNode(t, rt, "node", rec)

	inst, err := def.Instance(context.Background(), map[string]any{
		"label": "root",
		"child": []any{"get-instance", "node", map[string]any{"label": "child"}},
	})
	require.NoError(t, err)

	// The child was built mid-materialization; a separate batch would have
	// readied it before the root's own initialize. One batch means every
	// initialize precedes every ready.
	events := rec.snapshot()
	assert.Equal(t, []string{"init:root", "init:child", "ready:child", "ready:root"}, events)

	var child *component.Instance
	if v, ok := inst.Get("child"); ok {
		child, _ = v.(*component.Instance)
	}
	require.NotNil(t, child)
	assert.Same(t, inst, child.Parent())
	assert.Equal(t, component.PhaseReady, child.Phase())
}

func TestMaterialize_AutoStartRunsDuringUnwind(t *testing.T) {
	rec := &recorder{}
	rt := runtime.New()
	def := registerNode(t, rt, "node", rec)

	_, err := def.Instance(context.Background(), map[string]any{
		"label": "root",
		"child": []any{"get-instance", "node", map[string]any{"label": "child", "start": true}},
	})
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"init:root", "init:child", "ready:child", "run:child", "ready:root"},
		rec.snapshot(),
		"a flagged instance starts synchronously right after its own ready call")
}

func TestMaterialize_ProxyDefersUntilStart(t *testing.T) {
	rec := &recorder{}
	rt := runtime.New()
	def := registerNode(t, rt, "node", rec)

	inst, err := def.Instance(context.Background(), map[string]any{
		"label": "root",
		"later": []any{"get-proxy-instance", "node", map[string]any{"label": "later"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"init:root", "ready:root"}, rec.snapshot(),
		"the proxied instance is neither built nor initialized yet")

	v, ok := inst.Get("later")
	require.True(t, ok)
	proxy, ok := v.(*component.Proxy)
	require.True(t, ok)
	assert.Nil(t, proxy.Resolved())

	real, err := proxy.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "later", label(real))
	assert.Contains(t, rec.snapshot(), "init:later")
	assert.Contains(t, rec.snapshot(), "run:later")

	again, err := proxy.Start(context.Background())
	require.NoError(t, err)
	assert.Same(t, real, again, "later starts reuse the materialized instance")
}

func TestMaterialize_FailingInitAbortsPhase(t *testing.T) {
	rec := &recorder{}
	rt := runtime.New()

	boom := errors.New("init exploded")
	_, err := rt.Registry().Register(context.Background(), &component.Definition{
		Name: "fragile",
		Init: func(context.Context, *component.Instance) error { return boom },
	}, nil)
	require.NoError(t, err)
	def := registerNode(t, rt, "node", rec)

	_, err = def.Instance(context.Background(), map[string]any{
		"label": "root",
		"child": []any{"get-instance", "fragile", map[string]any{}},
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, rec.filter("ready:"), "the ready phase never begins")
}

func TestMaterialize_ResolvedFieldsWinOverDefaults(t *testing.T) {
	rt := runtime.New()
	def, err := rt.Registry().Register(context.Background(), &component.Definition{
		Name:     "themed",
		Defaults: map[string]any{"theme": "light", "rows": 10},
	}, nil)
	require.NoError(t, err)

	inst, err := def.Instance(context.Background(), map[string]any{"theme": "dark"})
	require.NoError(t, err)

	theme, _ := inst.Get("theme")
	rows, _ := inst.Get("rows")
	assert.Equal(t, "dark", theme)
	assert.Equal(t, 10, rows)
}

func TestMaterialize_StartInstanceDescriptor(t *testing.T) {
	rec := &recorder{}
	rt := runtime.New()
	registerNode(t, rt, "node", rec)

	out, err := rt.ResolveOne(context.Background(), descriptor.Descriptor{
		Op:   descriptor.OpStartInstance,
		Args: []any{"node", map[string]any{"label": "solo"}},
	}, nil)
	require.NoError(t, err)

	inst, ok := out.(*component.Instance)
	require.True(t, ok)
	assert.Equal(t, component.PhaseReady, inst.Phase())
	assert.Equal(t, []string{"init:solo", "ready:solo", "run:solo"}, rec.snapshot())
}
