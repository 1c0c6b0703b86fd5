package store

import (
	"errors"
	"fmt"
)

// ErrAuthExpired signals that a remote call was rejected because the session
// token expired. It is the only failure the store recovers from on its own.
var ErrAuthExpired = errors.New("authorization expired")

// ValidationError reports malformed input surfaced synchronously to the
// caller; validation failures are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// KeyMismatchError means a remote set answered with a different key than the
// one sent, which the store treats as failure.
type KeyMismatchError struct {
	Sent string
	Got  string
}

func (e *KeyMismatchError) Error() string {
	return fmt.Sprintf("remote set key mismatch: sent %q, server answered %q", e.Sent, e.Got)
}

// TransportError wraps a remote failure that is not an authorization expiry;
// it is surfaced verbatim to the caller.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
