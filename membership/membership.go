// Package membership adapts the cluster membership/leader-election event
// stream (spec §4.8, §6.4) into the peer set, leader flag, and
// reachability-adjusted clock the rest of the engine depends on. Cluster
// membership discovery and failure detection themselves are out of THE
// CORE (spec §1); this package only consumes the resulting event stream.
package membership

import (
	"sync"
	"time"

	"github.com/gholt/crdtstore/node"
)

// Member describes one cluster member as carried on the event stream.
type Member struct {
	Addr node.Addr
	Id   node.Id
	Role string
}

// Event is the closed set of cluster signals consumed (spec §6.4).
type Event interface{ membershipEvent() }

type MemberUp struct{ Member Member }

func (MemberUp) membershipEvent() {}

type MemberRemoved struct{ Member Member }

func (MemberRemoved) membershipEvent() {}

type Reachable struct{ Addr node.Addr }

func (Reachable) membershipEvent() {}

type Unreachable struct{ Addr node.Addr }

func (Unreachable) membershipEvent() {}

// LeaderChanged reports the cluster's (optionally role-scoped) leader
// address; an empty Leader means no current leader.
type LeaderChanged struct{ Leader node.Addr }

func (LeaderChanged) membershipEvent() {}

// Adapter is the membership component (spec §4.8). It is safe for
// concurrent use: Apply is called from the engine's own goroutine, but
// AllReachableClockTime/Peers/IsLeader/RemovedNodes are read from the
// pruning and gossip background goroutines.
type Adapter struct {
	self node.Addr
	role string // empty means "no role filter"

	mu           sync.RWMutex
	peers        map[node.Addr]Member
	unreachable  map[node.Addr]struct{}
	leader       node.Addr
	removedNodes map[node.Id]time.Duration // nodeId -> allReachableClockTime at removal
	clock        time.Duration
	clockStarted bool
	lastTick     time.Time
}

// New returns an Adapter for self, optionally filtered to members whose
// Role matches role (an empty role means every member is a peer).
func New(self node.Addr, role string) *Adapter {
	return &Adapter{
		self:         self,
		role:         role,
		peers:        make(map[node.Addr]Member),
		unreachable:  make(map[node.Addr]struct{}),
		removedNodes: make(map[node.Id]time.Duration),
	}
}

func (a *Adapter) roleMatches(role string) bool {
	return a.role == "" || a.role == role
}

// Apply folds one cluster event into the adapter's state. It returns
// selfRemoved=true when this event is a MemberRemoved naming self, the
// signal the engine uses to stop itself (spec §4.8: "On member-removed for
// self: stop the engine").
func (a *Adapter) Apply(ev Event) (selfRemoved bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch e := ev.(type) {
	case MemberUp:
		if e.Member.Addr == a.self || !a.roleMatches(e.Member.Role) {
			return false
		}
		a.peers[e.Member.Addr] = e.Member

	case MemberRemoved:
		if e.Member.Addr == a.self {
			return true
		}
		if !a.roleMatches(e.Member.Role) {
			return false
		}
		delete(a.peers, e.Member.Addr)
		delete(a.unreachable, e.Member.Addr)
		a.removedNodes[e.Member.Id] = a.clock

	case Reachable:
		delete(a.unreachable, e.Addr)

	case Unreachable:
		a.unreachable[e.Addr] = struct{}{}

	case LeaderChanged:
		a.leader = e.Leader
	}
	return false
}

// Peers returns the current peer address set, excluding self.
func (a *Adapter) Peers() []node.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]node.Addr, 0, len(a.peers))
	for addr := range a.peers {
		out = append(out, addr)
	}
	return out
}

// PeerSet returns a set suitable for PruningState.SeenAll comparisons.
func (a *Adapter) PeerSet() map[node.Addr]struct{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[node.Addr]struct{}, len(a.peers))
	for addr := range a.peers {
		out[addr] = struct{}{}
	}
	return out
}

// IsLeader reports whether self is the current (role-scoped) leader.
func (a *Adapter) IsLeader() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.leader == a.self
}

// Tick advances the reachability-adjusted clock by now-previousTick, but
// only when the unreachable set is empty (spec §4.8): pruning must never
// race ahead of dissemination during a partial failure.
func (a *Adapter) Tick(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.clockStarted {
		a.clockStarted = true
		a.lastTick = now
		return
	}
	delta := now.Sub(a.lastTick)
	a.lastTick = now
	if len(a.unreachable) == 0 && delta > 0 {
		a.clock += delta
	}
}

// AllReachableClockTime returns the current value of the reachability-paused
// clock, the time base for every maxPruningDissemination comparison.
func (a *Adapter) AllReachableClockTime() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clock
}

// RemovedNodes returns a snapshot of removed-node-id -> clock-time-at-removal.
func (a *Adapter) RemovedNodes() map[node.Id]time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[node.Id]time.Duration, len(a.removedNodes))
	for id, t := range a.removedNodes {
		out[id] = t
	}
	return out
}

// ForgetRemoved drops id from the removed-node bookkeeping once it has been
// tombstoned (spec §4.7 Phase C).
func (a *Adapter) ForgetRemoved(id node.Id) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.removedNodes, id)
}
