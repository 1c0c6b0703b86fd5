package server_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicrt/mosaic/internal/server"
	"github.com/mosaicrt/mosaic/internal/store"
)

func call(t *testing.T, url string, req store.Request) store.Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpResp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer httpResp.Body.Close()

	var resp store.Response
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&resp))
	return resp
}

func TestServer_EchoesCorrelationToken(t *testing.T) {
	srv := server.New()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.Close() })

	resp := call(t, ts.URL, store.Request{
		Store:    "items",
		Set:      store.Record{"key": "k"},
		Callback: "corr-1",
	})
	assert.Equal(t, "corr-1", resp.Callback)
	assert.Equal(t, store.StatusOK, resp.Status)
}

func TestServer_StatusMapping(t *testing.T) {
	srv := server.New(server.WithTokenCheck(func(token string) error {
		switch token {
		case "expired":
			return store.ErrAuthExpired
		case "broken":
			return errors.New("token service unreachable")
		default:
			return nil
		}
	}))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.Close() })

	resp := call(t, ts.URL, store.Request{Store: "items", Del: "k", Token: "expired"})
	assert.Equal(t, store.StatusAuthExpired, resp.Status)

	resp = call(t, ts.URL, store.Request{Store: "items", Del: "k", Token: "broken"})
	assert.Equal(t, store.StatusError, resp.Status)

	resp = call(t, ts.URL, store.Request{Store: "items", Del: "k", Token: "fine"})
	assert.Equal(t, store.StatusOK, resp.Status)
	var result string
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, store.DeletedSentinel, result)
}

func TestServer_RequestWithoutOperationFails(t *testing.T) {
	srv := server.New()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.Close() })

	resp := call(t, ts.URL, store.Request{Store: "items"})
	assert.Equal(t, store.StatusError, resp.Status)
	assert.NotEmpty(t, resp.Error)
}

func TestServer_PersistedBackingSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.db")

	srv := server.New(server.WithPath(path))
	ts := httptest.NewServer(srv.Handler())

	resp := call(t, ts.URL, store.Request{Store: "items", Set: store.Record{"key": "k", "v": "kept"}})
	require.Equal(t, store.StatusOK, resp.Status)

	ts.Close()
	require.NoError(t, srv.Close())

	srv = server.New(server.WithPath(path))
	ts = httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.Close() })

	resp = call(t, ts.URL, store.Request{Store: "items", Get: json.RawMessage(`"k"`)})
	require.Equal(t, store.StatusOK, resp.Status)
	var rec store.Record
	require.NoError(t, json.Unmarshal(resp.Result, &rec))
	assert.Equal(t, "kept", rec["v"])
}

func TestServer_StoresAreIsolatedByNameAndDB(t *testing.T) {
	srv := server.New()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.Close() })

	resp := call(t, ts.URL, store.Request{Store: "items", DB: "a", Set: store.Record{"key": "k", "v": 1}})
	require.Equal(t, store.StatusOK, resp.Status)

	resp = call(t, ts.URL, store.Request{Store: "items", DB: "b", Get: json.RawMessage(`"k"`)})
	require.Equal(t, store.StatusOK, resp.Status)
	assert.Equal(t, "null", string(resp.Result))
}

func TestServer_PersistedStoresAreIsolatedByDB(t *testing.T) {
	srv := server.New(server.WithPath(filepath.Join(t.TempDir(), "server.db")))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.Close() })

	resp := call(t, ts.URL, store.Request{Store: "items", DB: "a", Set: store.Record{"key": "k", "v": 1}})
	require.Equal(t, store.StatusOK, resp.Status)

	resp = call(t, ts.URL, store.Request{Store: "items", DB: "b", Get: json.RawMessage(`"k"`)})
	require.Equal(t, store.StatusOK, resp.Status)
	assert.Equal(t, "null", string(resp.Result))

	resp = call(t, ts.URL, store.Request{Store: "items", DB: "a", Get: json.RawMessage(`"k"`)})
	require.Equal(t, store.StatusOK, resp.Status)
	var rec store.Record
	require.NoError(t, json.Unmarshal(resp.Result, &rec))
	assert.Equal(t, float64(1), rec["v"])
}
