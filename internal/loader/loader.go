// Package loader defines the resource loader contract the runtime consumes
// and a caching HTTP implementation of it.
//
// Load failures are structured values rather than bare errors, so a batch
// load can report partial failure without losing its successes.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Descriptor identifies one external resource to fetch.
type Descriptor struct {
	URL     string            `json:"url" yaml:"url"`
	Type    string            `json:"type,omitempty" yaml:"type,omitempty"` // json | text | data (default: json)
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Context any               `json:"-" yaml:"-"` // presentation scope the load applies to
	Params  url.Values        `json:"params,omitempty" yaml:"params,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Attr    map[string]string `json:"attr,omitempty" yaml:"attr,omitempty"`
}

// LoadError is the structured failure value for one resource.
type LoadError struct {
	Resource Descriptor
	Data     any
	Call     string // "http", "decode", "timeout"
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load resource %s (%s): %v", e.Resource.URL, e.Call, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Result pairs one batch entry with its outcome.
type Result struct {
	Resource Descriptor
	Value    any
	Err      *LoadError
}

// Loader fetches and caches a single external resource.
type Loader interface {
	Load(ctx context.Context, d Descriptor) (any, error)
}

// HTTPLoader fetches resources over HTTP, caching by URL and deduplicating
// concurrent loads of the same URL.
type HTTPLoader struct {
	client  *http.Client
	timeout time.Duration
	log     *slog.Logger

	mu    sync.RWMutex
	cache map[string]any
	sf    singleflight.Group
}

// Option configures an HTTPLoader.
type Option func(*HTTPLoader)

// WithClient overrides the HTTP client.
func WithClient(c *http.Client) Option {
	return func(l *HTTPLoader) { l.client = c }
}

// WithTimeout sets a global per-load timeout. After it fires, a late success
// is logged and discarded, never applied; there is no true cancellation of
// in-flight work beyond what the transport itself honors.
func WithTimeout(d time.Duration) Option {
	return func(l *HTTPLoader) { l.timeout = d }
}

// WithLogger overrides the loader's logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *HTTPLoader) { l.log = log }
}

// NewHTTP creates a caching HTTP loader.
func NewHTTP(opts ...Option) *HTTPLoader {
	l := &HTTPLoader{
		client: http.DefaultClient,
		cache:  make(map[string]any),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load fetches one resource, serving repeat loads of the same URL from cache.
// Failures are returned as *LoadError.
func (l *HTTPLoader) Load(ctx context.Context, d Descriptor) (any, error) {
	if d.URL == "" {
		return nil, &LoadError{Resource: d, Call: "http", Err: fmt.Errorf("url is empty")}
	}

	key := cacheKey(d)
	l.mu.RLock()
	cached, ok := l.cache[key]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if l.timeout > 0 {
		return l.loadWithDeadline(ctx, d, key)
	}
	return l.loadOnce(ctx, d, key)
}

// LoadAll fetches a batch concurrently and reports per-item outcomes, keeping
// successes alongside failures.
func (l *HTTPLoader) LoadAll(ctx context.Context, ds []Descriptor) []Result {
	results := make([]Result, len(ds))
	var wg sync.WaitGroup
	for i, d := range ds {
		i, d := i, d
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := l.Load(ctx, d)
			results[i] = Result{Resource: d, Value: v}
			if err != nil {
				var le *LoadError
				if !errors.As(err, &le) {
					le = &LoadError{Resource: d, Call: "http", Err: err}
				}
				results[i].Err = le
			}
		}()
	}
	wg.Wait()
	return results
}

// loadWithDeadline races the fetch against the global timeout. A result that
// arrives after the deadline is logged and dropped.
func (l *HTTPLoader) loadWithDeadline(ctx context.Context, d Descriptor, key string) (any, error) {
	type outcome struct {
		v   any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := l.loadOnce(ctx, d, key)
		select {
		case done <- outcome{v, err}:
		default:
		}
	}()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.v, out.err
	case <-ctx.Done():
		return nil, &LoadError{Resource: d, Call: "http", Err: ctx.Err()}
	case <-timer.C:
		go func() {
			// Drain the late outcome so the fetch goroutine never leaks, and
			// record what happened to it.
			out := <-done
			if out.err == nil {
				l.log.Warn("late resource load discarded", "url", d.URL)
			}
		}()
		return nil, &LoadError{Resource: d, Call: "timeout",
			Err: fmt.Errorf("resource did not load within %s", l.timeout)}
	}
}

// loadOnce performs the fetch, deduplicated per URL via singleflight.
func (l *HTTPLoader) loadOnce(ctx context.Context, d Descriptor, key string) (any, error) {
	v, err, _ := l.sf.Do(key, func() (any, error) {
		l.mu.RLock()
		cached, ok := l.cache[key]
		l.mu.RUnlock()
		if ok {
			return cached, nil
		}

		value, err := l.fetch(ctx, d)
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		l.cache[key] = value
		l.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (l *HTTPLoader) fetch(ctx context.Context, d Descriptor) (any, error) {
	method := d.Method
	if method == "" {
		method = http.MethodGet
	}
	target := d.URL
	if len(d.Params) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + d.Params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, &LoadError{Resource: d, Call: "http", Err: err}
	}
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, &LoadError{Resource: d, Call: "http", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &LoadError{Resource: d, Call: "http", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &LoadError{Resource: d, Data: string(body), Call: "http",
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	switch typ := resourceType(d); typ {
	case "text":
		return string(body), nil
	case "data", "image":
		return body, nil
	case "json":
		var out any
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, &LoadError{Resource: d, Data: string(body), Call: "decode", Err: err}
		}
		return out, nil
	default:
		return nil, &LoadError{Resource: d, Call: "decode",
			Err: fmt.Errorf("unsupported resource type %q", typ)}
	}
}

func resourceType(d Descriptor) string {
	if d.Type == "" {
		return "json"
	}
	return strings.ToLower(d.Type)
}

func cacheKey(d Descriptor) string {
	key := d.URL
	if len(d.Params) > 0 {
		key += "?" + d.Params.Encode()
	}
	// The same URL loaded as a different type (or via a different method)
	// is a different resource.
	key += "\x00" + resourceType(d)
	if d.Method != "" && !strings.EqualFold(d.Method, http.MethodGet) {
		key += "\x00" + strings.ToUpper(d.Method)
	}
	return key
}
