package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"log/slog"
)

// remoteTier serializes every operation into a request payload and dispatches
// it over the persistent multiplexed channel when one was opened, or as a
// stateless HTTP call otherwise.
type remoteTier struct {
	url   string
	store string
	db    string
	realm string

	// tokenFn reads the current session token; the owning store updates it
	// after re-authentication.
	tokenFn func() string

	client *http.Client
	chn    *channel
	log    *slog.Logger
}

func (t *remoteTier) Get(ctx context.Context, keyOrQuery any) (any, error) {
	query, err := json.Marshal(keyOrQuery)
	if err != nil {
		return nil, &ValidationError{Field: "query", Reason: err.Error()}
	}

	resp, err := t.call(ctx, Request{Get: query})
	if err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 || bytes.Equal(resp.Result, []byte("null")) {
		return nil, nil
	}

	if _, isFilter := keyOrQuery.(map[string]any); isFilter {
		var recs []Record
		if err := json.Unmarshal(resp.Result, &recs); err != nil {
			return nil, &TransportError{Op: "get", Err: fmt.Errorf("decode result: %w", err)}
		}
		return recs, nil
	}
	var rec Record
	if err := json.Unmarshal(resp.Result, &rec); err != nil {
		return nil, &TransportError{Op: "get", Err: fmt.Errorf("decode result: %w", err)}
	}
	return rec, nil
}

// Set succeeds only when the server echoes back the key that was sent; any
// other answer is treated as failure.
func (t *remoteTier) Set(ctx context.Context, rec Record) (string, error) {
	sent, _ := rec.Key()

	resp, err := t.call(ctx, Request{Set: rec.Clone()})
	if err != nil {
		return "", err
	}

	var got string
	if err := json.Unmarshal(resp.Result, &got); err != nil {
		return "", &TransportError{Op: "set", Err: fmt.Errorf("decode result: %w", err)}
	}
	if sent != "" && got != sent {
		return "", &KeyMismatchError{Sent: sent, Got: got}
	}
	if got == "" {
		return "", &TransportError{Op: "set", Err: fmt.Errorf("server answered no key")}
	}
	return got, nil
}

// Delete succeeds only when the server answers the deleted sentinel.
func (t *remoteTier) Delete(ctx context.Context, key string) error {
	resp, err := t.call(ctx, Request{Del: key})
	if err != nil {
		return err
	}
	var result string
	if err := json.Unmarshal(resp.Result, &result); err != nil || result != DeletedSentinel {
		return &TransportError{Op: "del",
			Err: fmt.Errorf("server did not confirm deletion: %s", resp.Result)}
	}
	return nil
}

func (t *remoteTier) Clear(context.Context) error {
	return fmt.Errorf("clear is not supported on the remote tier")
}

func (t *remoteTier) Close() error {
	if t.chn != nil {
		return t.chn.Close()
	}
	return nil
}

// call fills in the store identity and session token, picks the transport,
// and maps failure statuses onto the error taxonomy.
func (t *remoteTier) call(ctx context.Context, req Request) (Response, error) {
	req.Store = t.store
	req.DB = t.db
	req.Realm = t.realm
	if t.tokenFn != nil {
		req.Token = t.tokenFn()
	}

	var (
		resp Response
		err  error
	)
	if t.chn != nil {
		resp, err = t.chn.Call(ctx, req)
	} else {
		resp, err = t.post(ctx, req)
	}
	if err != nil {
		return Response{}, &TransportError{Op: opName(req), Err: err}
	}

	switch resp.Status {
	case StatusOK, "":
		return resp, nil
	case StatusAuthExpired:
		return Response{}, fmt.Errorf("%s: %w", opName(req), ErrAuthExpired)
	default:
		return Response{}, &TransportError{Op: opName(req),
			Err: fmt.Errorf("server error: %s", resp.Error)}
	}
}

// post is the stateless request/response fallback when no persistent channel
// exists.
func (t *remoteTier) post(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response (status %d): %w", httpResp.StatusCode, err)
	}
	return resp, nil
}

func opName(req Request) string {
	switch {
	case req.Get != nil:
		return "get"
	case req.Set != nil:
		return "set"
	case req.Del != "":
		return "del"
	default:
		return "call"
	}
}
