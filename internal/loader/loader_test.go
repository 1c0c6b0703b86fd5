package loader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_JSONAndCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"title":"hello"}`))
	}))
	defer srv.Close()

	l := NewHTTP()
	ctx := context.Background()

	v, err := l.Load(ctx, Descriptor{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "hello"}, v)

	_, err = l.Load(ctx, Descriptor{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load(), "second load is served from cache")
}

func TestLoad_TextType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain body"))
	}))
	defer srv.Close()

	v, err := NewHTTP().Load(context.Background(), Descriptor{URL: srv.URL, Type: "text"})
	require.NoError(t, err)
	assert.Equal(t, "plain body", v)
}

func TestLoad_CacheKeyedByType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"title":"hello"}`))
	}))
	defer srv.Close()

	l := NewHTTP()
	ctx := context.Background()

	v, err := l.Load(ctx, Descriptor{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "hello"}, v)

	v, err = l.Load(ctx, Descriptor{URL: srv.URL, Type: "text"})
	require.NoError(t, err)
	assert.Equal(t, `{"title":"hello"}`, v, "text load of a cached URL decodes as text")
}

func TestLoad_FailureIsStructured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewHTTP().Load(context.Background(), Descriptor{URL: srv.URL})
	require.Error(t, err)

	le, ok := err.(*LoadError)
	require.True(t, ok, "failures carry the structured load error")
	assert.Equal(t, "http", le.Call)
	assert.Equal(t, srv.URL, le.Resource.URL)
	assert.Contains(t, le.Data.(string), "nope")
}

func TestLoadAll_PartialFailureKeepsSuccesses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"n":1}`))
	}))
	defer srv.Close()

	results := NewHTTP().LoadAll(context.Background(), []Descriptor{
		{URL: srv.URL + "/ok"},
		{URL: srv.URL + "/bad"},
	})

	require.Len(t, results, 2)
	assert.Nil(t, results[0].Err)
	assert.Equal(t, map[string]any{"n": float64(1)}, results[0].Value)
	require.NotNil(t, results[1].Err)
	assert.Equal(t, "http", results[1].Err.Call)
}

func TestLoad_TimeoutDiscardsLateSuccess(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	defer close(release)

	l := NewHTTP(WithTimeout(20 * time.Millisecond))
	_, err := l.Load(context.Background(), Descriptor{URL: srv.URL})
	require.Error(t, err)

	le, ok := err.(*LoadError)
	require.True(t, ok)
	assert.Equal(t, "timeout", le.Call)
}
