// Package store implements the tiered key/value datastore that dependency
// descriptors most commonly target.
//
// A store owns one logical key/value space and picks exactly one transport
// tier at construction: an in-memory cache, a persisted local SQLite store,
// or a remote store reached over a multiplexed websocket channel or a
// stateless HTTP call. The tier never changes for the life of the store.
//
// Remote operations that fail with an authorization-expired status trigger
// the system's single automatic-recovery path: log out, log in, replay the
// failed call once, and restart the root of the owning instance tree. Every
// other failure is surfaced verbatim to the caller.
package store
