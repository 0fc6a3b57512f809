// Package envelope implements spec §3.2/§4.1: the per-key wrapper that
// pairs a CRDT payload with per-removed-node pruning metadata, and the
// merge/prune/addSeen operations that keep both halves converging.
package envelope

import (
	"fmt"
	"sort"

	"github.com/gholt/crdtstore/crdt"
	"github.com/gholt/crdtstore/node"
)

// Phase is a PruningState's position in the three-phase erasure (spec §4.7).
type Phase int

const (
	// PhaseInit records the set of peer addresses that have echoed the
	// owner's initialization (spec §4.1 addSeen, §4.7 Phase A/B).
	PhaseInit Phase = iota
	// PhasePerformed means the payload has already had removed's
	// contribution folded into its owner; it is absorbing, like Deleted.
	PhasePerformed
)

// PruningState is itself a join-semilattice (spec §3.2): Init ⊔ Init unions
// the seen sets, Performed ⊔ anything is Performed, and the owner of an Init
// is the lexicographically lesser NodeId on a tie.
type PruningState struct {
	Owner node.Id
	Phase Phase
	Seen  map[node.Addr]struct{}
}

// NewInitPruningState returns the PruningState a leader installs when it
// first targets removed for pruning (spec §4.7 Phase A).
func NewInitPruningState(owner node.Id) PruningState {
	return PruningState{Owner: owner, Phase: PhaseInit, Seen: map[node.Addr]struct{}{}}
}

// Join computes p ⊔ other per spec §3.2.
func (p PruningState) Join(other PruningState) PruningState {
	if p.Phase == PhasePerformed {
		return p
	}
	if other.Phase == PhasePerformed {
		return other
	}
	owner := p.Owner
	if other.Owner.Less(owner) {
		owner = other.Owner
	}
	seen := make(map[node.Addr]struct{}, len(p.Seen)+len(other.Seen))
	for a := range p.Seen {
		seen[a] = struct{}{}
	}
	for a := range other.Seen {
		seen[a] = struct{}{}
	}
	return PruningState{Owner: owner, Phase: PhaseInit, Seen: seen}
}

// WithSeen returns a copy of p with addr recorded as having acknowledged an
// Init; a no-op (structurally shared) if p is already Performed or addr is
// already present (spec §4.1 addSeen).
func (p PruningState) WithSeen(addr node.Addr) PruningState {
	if p.Phase == PhasePerformed {
		return p
	}
	if _, ok := p.Seen[addr]; ok {
		return p
	}
	seen := make(map[node.Addr]struct{}, len(p.Seen)+1)
	for a := range p.Seen {
		seen[a] = struct{}{}
	}
	seen[addr] = struct{}{}
	return PruningState{Owner: p.Owner, Phase: PhaseInit, Seen: seen}
}

// SeenAll reports whether every address in peers has acknowledged this
// Init, the Phase B gate (spec §4.7).
func (p PruningState) SeenAll(peers map[node.Addr]struct{}) bool {
	if p.Phase != PhaseInit {
		return false
	}
	for addr := range peers {
		if _, ok := p.Seen[addr]; !ok {
			return false
		}
	}
	return true
}

// Envelope pairs a CRDT payload with its pruning metadata (spec §3.2).
type Envelope struct {
	Data    crdt.Value
	Pruning map[node.Id]PruningState
}

// New wraps a freshly created (or freshly received) value with no pruning
// state, the shape an entry has on first local write (spec §3.5).
func New(data crdt.Value) Envelope {
	return Envelope{Data: data}
}

// ErrShapeMismatch is returned by callers (store/engine, per spec §4.1's
// note that Merge itself keeps the receiver's shape) when two envelopes
// destined for the same key disagree on their payload's structural shape.
type ErrShapeMismatch struct {
	Key      string
	Existing string
	Incoming string
}

func (e *ErrShapeMismatch) Error() string {
	return fmt.Sprintf("envelope: conflicting shape for key %q: have %s, got %s", e.Key, e.Existing, e.Incoming)
}

// SameShape reports whether e and other's Data share a structural shape, or
// either is Deleted (Deleted is shape-compatible with everything, since
// merging into it always yields Deleted).
func (e Envelope) SameShape(other Envelope) bool {
	if crdt.IsDeleted(e.Data) || crdt.IsDeleted(other.Data) {
		return true
	}
	if e.Data == nil || other.Data == nil {
		return true
	}
	return e.Data.Shape() == other.Data.Shape()
}

// Merge implements spec §4.1: if either side is Deleted the result is
// Deleted; otherwise the pruning maps are joined per entry, pruningCleanup
// is applied to the data for every entry that is already Performed, and
// finally the payloads are merged. Merge keeps the receiver's shape on a
// shape mismatch; callers are responsible for shape checks (see
// ErrShapeMismatch) before calling Merge when that matters.
func (e Envelope) Merge(other Envelope) Envelope {
	if crdt.IsDeleted(e.Data) || crdt.IsDeleted(other.Data) {
		return Envelope{Data: crdt.Deleted}
	}

	pruning := make(map[node.Id]PruningState, len(e.Pruning)+len(other.Pruning))
	for id, st := range e.Pruning {
		pruning[id] = st
	}
	for id, st := range other.Pruning {
		if existing, ok := pruning[id]; ok {
			pruning[id] = existing.Join(st)
		} else {
			pruning[id] = st
		}
	}

	data := e.Data
	if data == nil {
		data = other.Data
	}
	for id, st := range pruning {
		if st.Phase != PhasePerformed {
			continue
		}
		if p, ok := crdt.AsPruner(data); ok {
			data = p.PruningCleanup(id)
		}
	}

	if other.Data != nil {
		data = data.Merge(other.Data)
	}

	return Envelope{Data: data, Pruning: pruning}
}

// InitPruning inserts removed → {owner: self, phase: Init{}} iff absent
// (spec §4.1).
func (e Envelope) InitPruning(removed, self node.Id) Envelope {
	if _, ok := e.Pruning[removed]; ok {
		return e
	}
	pruning := make(map[node.Id]PruningState, len(e.Pruning)+1)
	for id, st := range e.Pruning {
		pruning[id] = st
	}
	pruning[removed] = NewInitPruningState(self)
	return Envelope{Data: e.Data, Pruning: pruning}
}

// LeaderOverwriteInit installs {owner: self, phase: Init{}} for removed
// unless an entry already exists that is either Performed or already owned
// by self (spec §4.7 Phase A: "on leader change the new leader may
// overwrite Init entries it did not own").
func (e Envelope) LeaderOverwriteInit(removed, self node.Id) Envelope {
	if st, ok := e.Pruning[removed]; ok {
		if st.Phase == PhasePerformed || st.Owner == self {
			return e
		}
	}
	pruning := make(map[node.Id]PruningState, len(e.Pruning)+1)
	for id, st := range e.Pruning {
		pruning[id] = st
	}
	pruning[removed] = NewInitPruningState(self)
	return Envelope{Data: e.Data, Pruning: pruning}
}

// ErrNoPruningEntry is returned by Prune when removed has no pruning entry
// yet (spec §4.1 requires pruning[removed] to be present).
type ErrNoPruningEntry struct{ Removed node.Id }

func (e *ErrNoPruningEntry) Error() string {
	return fmt.Sprintf("envelope: prune called for %s with no pruning entry", e.Removed)
}

// Prune moves removed's contribution onto its recorded owner and marks the
// entry Performed (spec §4.1, §4.7 Phase B).
func (e Envelope) Prune(removed node.Id) (Envelope, error) {
	st, ok := e.Pruning[removed]
	if !ok {
		return e, &ErrNoPruningEntry{Removed: removed}
	}
	data := e.Data
	if p, ok := crdt.AsPruner(data); ok {
		data = p.Prune(removed, st.Owner)
	}
	pruning := make(map[node.Id]PruningState, len(e.Pruning))
	for id, s := range e.Pruning {
		pruning[id] = s
	}
	pruning[removed] = PruningState{Owner: st.Owner, Phase: PhasePerformed}
	return Envelope{Data: data, Pruning: pruning}, nil
}

// AddSeen records addr against every Init-phase pruning entry; Performed
// entries are untouched. Returns e unchanged (same map reference) when
// nothing would change, per spec §4.1's "structurally shared" guarantee.
func (e Envelope) AddSeen(addr node.Addr) Envelope {
	if len(e.Pruning) == 0 {
		return e
	}
	changed := false
	pruning := make(map[node.Id]PruningState, len(e.Pruning))
	for id, st := range e.Pruning {
		next := st.WithSeen(addr)
		pruning[id] = next
		if next.Phase != st.Phase || len(next.Seen) != len(st.Seen) {
			changed = true
		}
	}
	if !changed {
		return e
	}
	return Envelope{Data: e.Data, Pruning: pruning}
}

// StripRemoved removes removed from the pruning map entirely and runs
// pruningCleanup(removed) on the data, used when a node is tombstoned
// (spec §4.7 Phase C).
func (e Envelope) StripRemoved(removed node.Id) Envelope {
	if _, ok := e.Pruning[removed]; !ok {
		if p, ok := crdt.AsPruner(e.Data); ok && p.NeedsPruningFrom(removed) {
			return Envelope{Data: p.PruningCleanup(removed), Pruning: e.Pruning}
		}
		return e
	}
	pruning := make(map[node.Id]PruningState, len(e.Pruning)-1)
	for id, st := range e.Pruning {
		if id == removed {
			continue
		}
		pruning[id] = st
	}
	data := e.Data
	if p, ok := crdt.AsPruner(data); ok {
		data = p.PruningCleanup(removed)
	}
	return Envelope{Data: data, Pruning: pruning}
}

// sortedPruningIds returns e.Pruning's keys in a deterministic order, used
// by CanonicalBytes.
func (e Envelope) sortedPruningIds() []node.Id {
	ids := make([]node.Id, 0, len(e.Pruning))
	for id := range e.Pruning {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// canonicalizer is implemented by payloads that know how to render
// themselves deterministically regardless of internal map ordering (every
// concrete type in package crdt does). A payload that does not implement it
// still digests consistently within one process but is not guaranteed to
// match byte-for-byte across processes; see DESIGN.md.
type canonicalizer interface {
	CanonicalBytes() []byte
}

// CanonicalBytes renders e deterministically for hashing/transport (spec
// §3.3, §6.2). The empty byte string is reserved for Deleted.
func (e Envelope) CanonicalBytes() []byte {
	if crdt.IsDeleted(e.Data) {
		return nil
	}
	var buf []byte
	if e.Data != nil {
		buf = append(buf, []byte(e.Data.Shape())...)
		buf = append(buf, 0)
		if c, ok := e.Data.(canonicalizer); ok {
			buf = append(buf, c.CanonicalBytes()...)
		} else {
			buf = append(buf, fmt.Sprintf("%#v", e.Data)...)
		}
		buf = append(buf, 0)
	}
	for _, id := range e.sortedPruningIds() {
		st := e.Pruning[id]
		buf = append(buf, []byte(id.String())...)
		buf = append(buf, 0)
		buf = append(buf, []byte(st.Owner.String())...)
		buf = append(buf, 0)
		buf = append(buf, byte(st.Phase))
		seen := make([]string, 0, len(st.Seen))
		for a := range st.Seen {
			seen = append(seen, string(a))
		}
		sort.Strings(seen)
		for _, a := range seen {
			buf = append(buf, []byte(a)...)
			buf = append(buf, 0)
		}
		buf = append(buf, 1)
	}
	return buf
}
