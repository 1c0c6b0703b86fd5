package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"log/slog"

	"github.com/mosaicrt/mosaic/internal/component"
	"github.com/mosaicrt/mosaic/internal/descriptor"
)

// Config identifies a store and determines its tier, once, at construction:
//
//	no URL, no Name        → in-memory only
//	URL without Name or DB → in-memory, seeded asynchronously from URL
//	Name without URL       → persisted local (SQLite at Path)
//	Name and URL           → remote
type Config struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	URL     string `json:"url,omitempty" yaml:"url,omitempty"`
	DB      string `json:"db,omitempty" yaml:"db,omitempty"`
	Realm   string `json:"realm,omitempty" yaml:"realm,omitempty"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`       // SQLite file for the persisted tier
	Channel bool   `json:"channel,omitempty" yaml:"channel,omitempty"` // open a persistent multiplexed channel
}

// Identity is the cache key for store reuse: same name, url, and database
// mean the same logical store.
func (c Config) Identity() string {
	return c.Name + "\x00" + c.URL + "\x00" + c.DB
}

// Store owns one logical key/value space over a single resolved tier.
type Store struct {
	cfg  Config
	tier tier
	log  *slog.Logger

	mu    sync.Mutex
	token string
	owner *component.Instance
	subs  []func(Record)

	seeded chan struct{} // closed once async seeding finishes; nil otherwise
}

// OpaqueValue marks stores as atomic for tree resolution.
func (s *Store) OpaqueValue() {}

var _ descriptor.Opaque = (*Store)(nil)

// StoreOption configures a Store at construction.
type StoreOption func(*options)

type options struct {
	resolve ResolveFunc
	owner   *component.Instance
	keys    KeyGenerator
	client  *http.Client
	log     *slog.Logger
}

// WithResolve wires descriptor resolution into record merges.
func WithResolve(fn ResolveFunc) StoreOption {
	return func(o *options) { o.resolve = fn }
}

// WithOwner attaches the instance whose chain is walked for sessions during
// authorization recovery.
func WithOwner(inst *component.Instance) StoreOption {
	return func(o *options) { o.owner = inst }
}

// WithKeyGenerator overrides key and correlation-token generation.
func WithKeyGenerator(g KeyGenerator) StoreOption {
	return func(o *options) { o.keys = g }
}

// WithHTTPClient overrides the HTTP client used by remote stores.
func WithHTTPClient(c *http.Client) StoreOption {
	return func(o *options) { o.client = c }
}

// WithStoreLogger overrides the store's logger.
func WithStoreLogger(log *slog.Logger) StoreOption {
	return func(o *options) { o.log = log }
}

// New constructs a store and commits it to a tier.
func New(ctx context.Context, cfg Config, opts ...StoreOption) (*Store, error) {
	o := &options{
		keys:   UUIDv7Generator{},
		client: http.DefaultClient,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Store{cfg: cfg, log: o.log, token: cfg.Token, owner: o.owner}

	switch {
	case cfg.URL == "" && cfg.Name == "":
		s.tier = newLocalTier(o.resolve, o.keys)

	case cfg.URL != "" && cfg.Name == "" && cfg.DB == "":
		// Local cache seeded asynchronously with the URL's contents.
		local := newLocalTier(o.resolve, o.keys)
		s.tier = local
		s.seeded = make(chan struct{})
		go s.seed(local, o.client)

	case cfg.URL == "":
		path := cfg.Path
		if path == "" {
			path = cfg.Name + ".db"
		}
		persisted, err := openPersisted(path, cfg.Name, o.resolve, o.keys)
		if err != nil {
			return nil, fmt.Errorf("open persisted store %q: %w", cfg.Name, err)
		}
		s.tier = persisted

	default:
		remote := &remoteTier{
			url:     cfg.URL,
			store:   cfg.Name,
			db:      cfg.DB,
			realm:   cfg.Realm,
			tokenFn: s.currentToken,
			client:  o.client,
			log:     o.log,
		}
		if cfg.Channel {
			chn, err := dialChannel(ctx, channelURL(cfg.URL), o.keys, s.pushed, o.log)
			if err != nil {
				return nil, err
			}
			remote.chn = chn
		}
		s.tier = remote
	}

	return s, nil
}

// Source returns the descriptor that reconstructs this store.
func (s *Store) Source() descriptor.Descriptor {
	arg := map[string]any{}
	if s.cfg.Name != "" {
		arg["name"] = s.cfg.Name
	}
	if s.cfg.URL != "" {
		arg["url"] = s.cfg.URL
	}
	if s.cfg.DB != "" {
		arg["db"] = s.cfg.DB
	}
	return descriptor.Descriptor{Op: descriptor.OpGetStore, Args: []any{arg}}
}

// Config returns the construction configuration.
func (s *Store) Config() Config { return s.cfg }

// Local reports whether operations short-circuit to the in-memory cache.
func (s *Store) Local() bool {
	_, ok := s.tier.(*localTier)
	return ok
}

// SetOwner attaches the owning instance after construction; the resolver uses
// this to thread the calling instance through record operations.
func (s *Store) SetOwner(inst *component.Instance) {
	s.mu.Lock()
	if s.owner == nil {
		s.owner = inst
	}
	s.mu.Unlock()
}

// Subscribe registers a listener for "record changed elsewhere" pushes.
func (s *Store) Subscribe(fn func(Record)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Get retrieves a record by key, or all filter-matching records when given a
// filter map.
func (s *Store) Get(ctx context.Context, keyOrQuery any) (any, error) {
	var out any
	err := s.recovering(ctx, func(ctx context.Context) error {
		v, err := s.tier.Get(ctx, keyOrQuery)
		out = v
		return err
	})
	return out, err
}

// Set stores or merges a record and returns its key.
func (s *Store) Set(ctx context.Context, rec Record) (string, error) {
	var key string
	err := s.recovering(ctx, func(ctx context.Context) error {
		k, err := s.tier.Set(ctx, rec)
		key = k
		return err
	})
	return key, err
}

// Delete removes a record by key.
func (s *Store) Delete(ctx context.Context, key any) error {
	normalized, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	return s.recovering(ctx, func(ctx context.Context) error {
		return s.tier.Delete(ctx, normalized)
	})
}

// Clear empties the store.
func (s *Store) Clear(ctx context.Context) error {
	return s.tier.Clear(ctx)
}

// Close releases the tier's resources.
func (s *Store) Close() error {
	return s.tier.Close()
}

// Seeded returns a channel closed once asynchronous seeding has finished; it
// returns a closed channel for stores that never seed.
func (s *Store) Seeded() <-chan struct{} {
	if s.seeded == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return s.seeded
}

// recovering runs op and, on an authorization-expired failure with a session
// reachable from the owning instance chain, performs the recovery path:
// log out, log in, replay op once, restart the root instance. When recovery
// itself fails the root is still restarted before the original error
// surfaces.
func (s *Store) recovering(ctx context.Context, op func(ctx context.Context) error) error {
	err := op(ctx)
	if err == nil || !errors.Is(err, ErrAuthExpired) {
		return err
	}

	s.mu.Lock()
	owner := s.owner
	s.mu.Unlock()
	if owner == nil {
		return err
	}
	sess := owner.FindSession()
	if sess == nil {
		return err
	}
	root := owner.Root()

	s.log.Info("authorization expired, re-authenticating",
		"store", s.cfg.Name, "instance", owner.Index())

	if lerr := sess.Logout(ctx); lerr != nil {
		s.log.Warn("logout failed during recovery", "error", lerr)
	}
	if lerr := sess.Login(ctx); lerr != nil {
		// Recovery failed: restart the root anyway, then surface the
		// original error.
		if rerr := root.Start(ctx); rerr != nil {
			s.log.Warn("root restart failed after failed re-login", "error", rerr)
		}
		return err
	}

	replayErr := op(ctx)
	if rerr := root.Start(ctx); rerr != nil {
		s.log.Warn("root restart failed after re-login", "error", rerr)
	}
	return replayErr
}

// SetToken replaces the session token used by remote calls.
func (s *Store) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *Store) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// channelURL derives the websocket endpoint from the store URL.
func channelURL(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return strings.TrimSuffix(url, "/") + "/channel"
}

// pushed delivers an out-of-band server message to all subscribers.
func (s *Store) pushed(resp Response) {
	var rec Record
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &rec); err != nil {
			s.log.Warn("undecodable push discarded", "store", s.cfg.Name, "error", err)
			return
		}
	}
	s.mu.Lock()
	subs := make([]func(Record), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(rec)
	}
}

// seed performs the one-shot fetch for URL-seeded local stores: the URL's
// JSON array of records is merged into the cache.
func (s *Store) seed(local *localTier, client *http.Client) {
	defer close(s.seeded)

	resp, err := client.Get(s.cfg.URL)
	if err != nil {
		s.log.Warn("store seed fetch failed", "url", s.cfg.URL, "error", err)
		return
	}
	defer resp.Body.Close()

	var recs []Record
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		s.log.Warn("store seed decode failed", "url", s.cfg.URL, "error", err)
		return
	}
	for _, rec := range recs {
		if _, err := local.Set(context.Background(), rec); err != nil {
			s.log.Warn("store seed record rejected", "url", s.cfg.URL, "error", err)
		}
	}
}
