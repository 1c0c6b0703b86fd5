// Package server implements the remote store wire protocol: stateless HTTP
// calls on "/" and a persistent multiplexed channel on "/channel". Responses
// echo the request's correlation token; successful writes additionally fan
// out token-less change pushes to every other channel subscribed to the
// affected store.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/mosaicrt/mosaic/internal/store"
)

// TokenCheck validates a session token. Returning store.ErrAuthExpired maps
// to the authorization-expired status; any other error maps to a plain error
// status. A nil TokenCheck accepts everything.
type TokenCheck func(token string) error

// Server hosts one key/value space per store name, backed by in-memory tiers
// or, when a database path is configured, by the persisted SQLite tier.
type Server struct {
	path  string
	check TokenCheck
	log   *slog.Logger

	mu     sync.Mutex
	stores map[string]*store.Store
	conns  map[*conn]struct{}

	upgrader websocket.Upgrader
}

// conn is one connected channel client with its subscribed store names.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	stores map[string]struct{}
}

func (c *conn) subscribed(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.stores[name]
	return ok
}

func (c *conn) subscribe(name string) {
	c.mu.Lock()
	c.stores[name] = struct{}{}
	c.mu.Unlock()
}

func (c *conn) write(resp store.Response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(resp)
}

// Option configures a Server.
type Option func(*Server)

// WithPath backs all stores with the persisted tier at the given SQLite path.
func WithPath(path string) Option {
	return func(s *Server) { s.path = path }
}

// WithTokenCheck installs session token validation.
func WithTokenCheck(check TokenCheck) Option {
	return func(s *Server) { s.check = check }
}

// WithLogger overrides the server's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New creates a store server.
func New(opts ...Option) *Server {
	s := &Server{
		log:    slog.Default(),
		stores: make(map[string]*store.Store),
		conns:  make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler: POST / for stateless calls, GET /channel
// for the websocket channel.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/channel", s.handleChannel)
	mux.HandleFunc("/", s.handleCall)
	return mux
}

// handleCall answers one stateless request/response call.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "post only", http.StatusMethodNotAllowed)
		return
	}
	var req store.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	resp := s.dispatch(r.Context(), req)
	resp.Callback = req.Callback

	if resp.Status == store.StatusOK {
		s.broadcast(req, resp, nil)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("write response failed", "error", err)
	}
}

// handleChannel upgrades to a websocket and serves calls until the peer
// disconnects. Each request's response carries its correlation token back;
// every store a connection touches subscribes it to that store's pushes.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws, stores: make(map[string]struct{})}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		var req store.Request
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		c.subscribe(req.Store)

		resp := s.dispatch(r.Context(), req)
		resp.Callback = req.Callback
		if err := c.write(resp); err != nil {
			return
		}
		if resp.Status == store.StatusOK {
			s.broadcast(req, resp, c)
		}
	}
}

// dispatch validates the token and runs the operation against the backing
// store.
func (s *Server) dispatch(ctx context.Context, req store.Request) store.Response {
	if s.check != nil {
		if err := s.check(req.Token); err != nil {
			if errors.Is(err, store.ErrAuthExpired) {
				return store.Response{Status: store.StatusAuthExpired, Error: err.Error()}
			}
			return store.Response{Status: store.StatusError, Error: err.Error()}
		}
	}

	backing, err := s.backing(ctx, req)
	if err != nil {
		return errorResponse(err)
	}

	switch {
	case req.Get != nil:
		var keyOrQuery any
		if err := json.Unmarshal(req.Get, &keyOrQuery); err != nil {
			return errorResponse(fmt.Errorf("malformed get: %w", err))
		}
		v, err := backing.Get(ctx, keyOrQuery)
		if err != nil {
			return errorResponse(err)
		}
		return resultResponse(v)

	case req.Set != nil:
		key, err := backing.Set(ctx, req.Set)
		if err != nil {
			return errorResponse(err)
		}
		return resultResponse(key)

	case req.Del != "":
		if err := backing.Delete(ctx, req.Del); err != nil {
			return errorResponse(err)
		}
		return resultResponse(store.DeletedSentinel)

	default:
		return errorResponse(fmt.Errorf("request names no operation"))
	}
}

// backing returns (or lazily creates) the store behind a request.
func (s *Server) backing(ctx context.Context, req store.Request) (*store.Store, error) {
	key := req.Store + "\x00" + req.DB
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[key]; ok {
		return st, nil
	}

	cfg := store.Config{}
	if s.path != "" {
		// Scope persisted rows per database: two DBs sharing a store
		// name must not see each other's records.
		cfg.Name = req.Store
		if req.DB != "" {
			cfg.Name = req.DB + "/" + req.Store
		}
		cfg.Path = s.path
	}
	st, err := store.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open backing store %q: %w", req.Store, err)
	}
	s.stores[key] = st
	return st, nil
}

// broadcast pushes a change notification (no correlation token) to every
// channel subscribed to the written store, except the originator.
func (s *Server) broadcast(req store.Request, resp store.Response, origin *conn) {
	if req.Set == nil && req.Del == "" {
		return
	}
	push := store.Response{Status: store.StatusOK}
	if req.Set != nil {
		push.Result, _ = json.Marshal(req.Set)
	} else {
		push.Result, _ = json.Marshal(map[string]any{"key": req.Del, "deleted": true})
	}

	s.mu.Lock()
	targets := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		if c != origin && c.subscribed(req.Store) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.write(push); err != nil {
			s.log.Warn("push delivery failed", "store", req.Store, "error", err)
		}
	}
}

// Close releases every backing store.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, st := range s.stores {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func errorResponse(err error) store.Response {
	return store.Response{Status: store.StatusError, Error: err.Error()}
}

func resultResponse(v any) store.Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return errorResponse(fmt.Errorf("encode result: %w", err))
	}
	return store.Response{Status: store.StatusOK, Result: raw}
}
