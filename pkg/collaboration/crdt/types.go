// Package crdt provides the causality primitives used by the collaboration
// core: vector clocks for ordering and conflict detection, and a
// last-write-wins register for latest-value state such as presence.
package crdt

// NodeID identifies a participant (or process) in the causal history.
// One participant maps to one NodeID regardless of how many connections
// it holds.
type NodeID string

// CRDT is the common interface for conflict-free replicated types
type CRDT interface {
	Merge(other CRDT) error
	Clone() CRDT
	GetType() string
}
