// Package component holds the component model: definitions, the process-wide
// registry, live instances with their lifecycle state machine, and proxy
// instances that defer materialization until first start.
//
// The registry is explicitly constructed and injected into the runtime rather
// than held as ambient global state. Registration is idempotent: first
// registration wins, later registrations of the same identity receive a
// defensive copy so no caller can corrupt a definition shared with running
// instances.
package component
