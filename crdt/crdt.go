// Package crdt defines the capability set the replication engine requires
// from a payload value (spec §3.1). The engine never inspects a payload's
// internals; it only ever calls Merge, compares Shape tokens, and — for
// payloads that opt in — drives the RemovedNodePruning capability.
//
// The concrete payload types in this package (GCounter, PNCounter, GSet,
// LWWRegister) are sample CRDTs used by the engine's tests and the demo
// command. Per spec §1 they are explicitly out of THE CORE; production
// payloads are expected to be supplied by callers the same way.
package crdt

import "github.com/gholt/crdtstore/node"

// Value is the capability every stored payload must implement. Merge must be
// idempotent, commutative, associative, and monotonic in the type's
// semilattice (spec §3.1). Shape returns a structural type discriminator:
// two values with the same Shape are expected to be merge-compatible; two
// values with different Shape must never be merged (the engine's shape
// check, spec §3.2, rejects such updates before they reach Merge).
type Value interface {
	Merge(other Value) Value
	Shape() string
}

// Pruner is the optional RemovedNodePruning capability (spec §3.1). A Value
// that does not implement Pruner is treated as never needing pruning.
type Pruner interface {
	Value
	NeedsPruningFrom(removed node.Id) bool
	Prune(removed, owner node.Id) Value
	PruningCleanup(removed node.Id) Value
}

// AsPruner returns v's Pruner capability, or (nil, false) if v does not
// implement it.
func AsPruner(v Value) (Pruner, bool) {
	p, ok := v.(Pruner)
	return p, ok
}

// deletedValue is the distinguished tombstone CRDT (spec §3.1): merging
// anything with it yields it back, forever. It carries no Pruner capability
// since a deleted key has no payload-level state left to prune.
type deletedValue struct{}

// Deleted is the sentinel tombstone value. Merging any Value with Deleted
// yields Deleted (tombstone absorption, spec §3.1, §4.1).
var Deleted Value = deletedValue{}

const deletedShape = "crdt.Deleted"

func (deletedValue) Merge(Value) Value { return Deleted }
func (deletedValue) Shape() string      { return deletedShape }

// IsDeleted reports whether v is the Deleted sentinel.
func IsDeleted(v Value) bool {
	if v == nil {
		return false
	}
	_, ok := v.(deletedValue)
	return ok
}
