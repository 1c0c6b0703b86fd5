package store

import (
	"context"
	"fmt"
	"sync"

	"log/slog"

	"github.com/gorilla/websocket"
)

// channel is a persistent multiplexed connection to a remote store server.
// Many requests may be outstanding concurrently; the pending map, keyed by
// correlation token, is the only synchronization point between interleaved
// calls and the single reader goroutine.
type channel struct {
	conn   *websocket.Conn
	tokens KeyGenerator
	notify func(Response)
	log    *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Response
	closed  bool
	readErr error
}

// dialChannel opens the websocket and starts the reader that correlates
// responses back to their callers. notify receives out-of-band pushes.
func dialChannel(ctx context.Context, url string, tokens KeyGenerator, notify func(Response), log *slog.Logger) (*channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial channel %s: %w", url, err)
	}
	c := &channel{
		conn:    conn,
		tokens:  tokens,
		notify:  notify,
		log:     log,
		pending: make(map[string]chan Response),
	}
	go c.readLoop()
	return c, nil
}

// Call sends one request and blocks until its correlated response arrives or
// the context ends. The correlation token lives only for this round trip.
func (c *channel) Call(ctx context.Context, req Request) (Response, error) {
	token := c.tokens.Generate()
	req.Callback = token

	done := make(chan Response, 1)
	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("channel closed")
		}
		return Response{}, err
	}
	c.pending[token] = done
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.remove(token)
		return Response{}, fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.remove(token)
		return Response{}, ctx.Err()
	case resp, ok := <-done:
		if !ok {
			return Response{}, fmt.Errorf("channel closed while waiting for response")
		}
		return resp, nil
	}
}

// readLoop delivers each response to its pending caller, removing the entry
// on first match. Responses without a correlation token go to notify.
func (c *channel) readLoop() {
	for {
		var resp Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.fail(err)
			return
		}
		if resp.Callback == "" {
			if c.notify != nil {
				c.notify(resp)
			}
			continue
		}
		c.mu.Lock()
		done, ok := c.pending[resp.Callback]
		if ok {
			delete(c.pending, resp.Callback)
		}
		c.mu.Unlock()
		if !ok {
			c.log.Warn("response for unknown correlation token discarded",
				"callback", resp.Callback)
			continue
		}
		done <- resp
	}
}

func (c *channel) remove(token string) {
	c.mu.Lock()
	delete(c.pending, token)
	c.mu.Unlock()
}

// fail closes every pending call and marks the channel dead.
func (c *channel) fail(err error) {
	c.mu.Lock()
	c.closed = true
	c.readErr = err
	for token, done := range c.pending {
		close(done)
		delete(c.pending, token)
	}
	c.mu.Unlock()
}

func (c *channel) Close() error {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	return c.conn.Close()
}
