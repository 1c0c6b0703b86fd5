// Package runtime ties the component model together: it resolves dependency
// descriptors embedded in configuration trees, constructs tiered datastores,
// and orchestrates the two-phase startup of freshly built instance subtrees.
//
// The resolver and the orchestrator are mutually recursive on purpose: an
// instance materializes by resolving its configuration, and resolving a
// configuration may materialize further instances. The orchestrator keeps
// that recursion coherent by folding children built mid-flight into their
// parent's batch, so a whole subtree initializes and becomes ready as one
// unit.
package runtime
