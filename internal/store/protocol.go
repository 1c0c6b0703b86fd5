package store

import "encoding/json"

// Wire contract for the remote store protocol. Exactly one of Get, Set, Del
// is present per request; Callback is the caller-chosen correlation token
// pairing one outstanding request with its response on a shared channel.
// Responses without a Callback are unsolicited pushes: "record changed
// elsewhere", fanned out to all local subscribers of the store.
type Request struct {
	Get      json.RawMessage `json:"get,omitempty"`
	Set      Record          `json:"set,omitempty"`
	Del      string          `json:"del,omitempty"`
	Store    string          `json:"store"`
	DB       string          `json:"db,omitempty"`
	Realm    string          `json:"realm,omitempty"`
	Token    string          `json:"token,omitempty"`
	Callback string          `json:"callback,omitempty"`
}

// Response statuses. StatusAuthExpired must stay distinguishable from every
// other failure: it is the trigger for the automatic recovery path.
const (
	StatusOK          = "ok"
	StatusError       = "error"
	StatusAuthExpired = "auth-expired"
)

// DeletedSentinel is the success result of a remote delete.
const DeletedSentinel = "deleted"

// Response is the server's answer to one request, or an unsolicited push
// when Callback is empty.
type Response struct {
	Callback string          `json:"callback,omitempty"`
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}
