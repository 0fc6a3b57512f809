// Package coordinator implements the transient read/write quorum
// coordinators (spec §4.3, §4.4): short-lived tasks that fan a request out
// to peers, count replies against a consistency-level threshold, and reply
// to the caller on threshold or timeout.
package coordinator

// Level is a read or write consistency level (spec §6.1). The same type
// serves both reads and writes since their threshold math is symmetric
// (spec §4.4: "Threshold derivation is symmetric to reads").
type Level struct {
	kind levelKind
	n    int
}

type levelKind int

const (
	kindOne levelKind = iota
	kindFrom
	kindQuorum
	kindAll
)

// One is served locally and never spawns a coordinator; it is included here
// only so engine code can compare an incoming Level against it uniformly.
var One = Level{kind: kindOne}

// Two and Three are the named shorthands for From(2) and From(3) (spec
// §6.1's level list).
var (
	Two   = From(2)
	Three = From(3)
)

// Quorum requires acks/reads from a strict majority of N = len(peers)+1
// replicas. Below 3 total replicas it fails fast rather than degrading to
// All (spec §4.3, preserved per §9 open question b).
var Quorum = Level{kind: kindQuorum}

// All requires every peer to reply.
var All = Level{kind: kindAll}

// From requires acks/reads from at least n total replicas (including the
// local one).
func From(n int) Level {
	return Level{kind: kindFrom, n: n}
}

// IsOne reports whether l is the local-only level.
func (l Level) IsOne() bool { return l.kind == kindOne }

// threshold computes, given the number of peers (excluding self), the
// number of outstanding replies ("remaining") at or below which the
// coordinator is done, plus whether the level fails immediately regardless
// of replies (spec §4.3/§4.4's three threshold kinds).
func (l Level) threshold(peerCount int) (target int, failFast bool) {
	switch l.kind {
	case kindQuorum:
		n := peerCount + 1
		if n < 3 {
			return 0, true
		}
		return n - (n/2 + 1), false
	case kindAll:
		return 0, false
	default: // kindFrom, kindOne (treated as From(1) if ever used directly)
		n := l.n
		if n < 1 {
			n = 1
		}
		return peerCount - (n - 1), false
	}
}
