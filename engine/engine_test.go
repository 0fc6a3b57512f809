package engine

import (
	"testing"
	"time"

	"github.com/gholt/crdtstore/coordinator"
	"github.com/gholt/crdtstore/crdt"
	"github.com/gholt/crdtstore/crdtlog"
	"github.com/gholt/crdtstore/envelope"
	"github.com/gholt/crdtstore/membership"
	"github.com/gholt/crdtstore/node"
	"github.com/gholt/crdtstore/store"
	"github.com/gholt/crdtstore/transport"
)

func newTestEngine(self node.Addr, tr transport.Transport, opts ...func(*Config)) *Engine {
	base := []func(*Config){WithSelf(self), WithLog(crdtlog.Silent())}
	return New(tr, append(base, opts...)...)
}

func incrementBy(self node.Id, by uint64) func(crdt.Value, bool) (crdt.Value, error) {
	return func(current crdt.Value, found bool) (crdt.Value, error) {
		c := crdt.NewGCounter()
		if found {
			c = current.(crdt.GCounter)
		}
		return c.Increment(self, by), nil
	}
}

func joinPeers(a, b *Engine) {
	a.ApplyMembership(membership.MemberUp{Member: membership.Member{Addr: b.self}})
	b.ApplyMembership(membership.MemberUp{Member: membership.Member{Addr: a.self}})
}

// S1 — local G-counter increment on a single-node cluster.
func TestLocalIncrementAndGet(t *testing.T) {
	tr := transport.NewInMemory()
	e := newTestEngine("a", tr)
	defer e.Stop()

	if err := e.Update("c", coordinator.One, coordinator.One, time.Second, incrementBy(e.SelfID(), 1)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	v, err := e.Get("c", coordinator.One, time.Second)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := v.(crdt.GCounter).Value(); got != 1 {
		t.Fatalf("expected counter value 1, got %d", got)
	}
}

// S2 — two-node convergence via gossip after a simulated partition heals.
func TestTwoNodeGossipConvergence(t *testing.T) {
	tr := transport.NewInMemory()
	tr.Partition("a", "b")
	tr.Partition("b", "a")

	a := newTestEngine("a", tr, WithGossipInterval(15*time.Millisecond))
	b := newTestEngine("b", tr, WithGossipInterval(15*time.Millisecond))
	defer a.Stop()
	defer b.Stop()
	joinPeers(a, b)

	if err := a.Update("c", coordinator.One, coordinator.One, time.Second, incrementBy(a.SelfID(), 3)); err != nil {
		t.Fatalf("a Update: %v", err)
	}
	if err := b.Update("c", coordinator.One, coordinator.One, time.Second, incrementBy(b.SelfID(), 5)); err != nil {
		t.Fatalf("b Update: %v", err)
	}

	tr.Heal("a", "b")
	tr.Heal("b", "a")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		av, aerr := a.Get("c", coordinator.One, time.Second)
		bv, berr := b.Get("c", coordinator.One, time.Second)
		if aerr == nil && berr == nil && av.(crdt.GCounter).Value() == 8 && bv.(crdt.GCounter).Value() == 8 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected both replicas to converge on counter total 8 within the deadline")
}

// S3 — a shape-conflicting modify is rejected and the stored value is
// unchanged.
func TestConflictingTypeRejected(t *testing.T) {
	tr := transport.NewInMemory()
	e := newTestEngine("a", tr)
	defer e.Stop()

	err := e.Update("k", coordinator.One, coordinator.One, time.Second, func(crdt.Value, bool) (crdt.Value, error) {
		return crdt.NewGSet().Add("x"), nil
	})
	if err != nil {
		t.Fatalf("seeding GSet: %v", err)
	}

	err = e.Update("k", coordinator.One, coordinator.One, time.Second, func(crdt.Value, bool) (crdt.Value, error) {
		return crdt.LWWRegister{}, nil
	})
	var conflict *ErrConflictingType
	if err == nil {
		t.Fatal("expected ErrConflictingType")
	}
	if ce, ok := err.(*ErrConflictingType); !ok {
		t.Fatalf("expected *ErrConflictingType, got %T: %v", err, err)
	} else {
		conflict = ce
	}
	if conflict.Key != "k" {
		t.Fatalf("unexpected key on error: %+v", conflict)
	}

	v, err := e.Get("k", coordinator.One, time.Second)
	if err != nil {
		t.Fatalf("Get after rejected update: %v", err)
	}
	if _, ok := v.(crdt.GSet); !ok {
		t.Fatalf("expected stored value to remain a GSet, got %T", v)
	}
}

// S5 — delete finality: once a key is deleted, a later modify against it
// observes DataDeleted rather than re-materialising a value.
func TestDeleteFinality(t *testing.T) {
	tr := transport.NewInMemory()
	e := newTestEngine("a", tr)
	defer e.Stop()

	if err := e.Update("k", coordinator.One, coordinator.One, time.Second, incrementBy(e.SelfID(), 1)); err != nil {
		t.Fatalf("seed Update: %v", err)
	}
	if err := e.Delete("k", coordinator.One, time.Second); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	err := e.Update("k", coordinator.One, coordinator.One, time.Second, incrementBy(e.SelfID(), 1))
	if err != ErrDataDeleted {
		t.Fatalf("expected ErrDataDeleted, got %v", err)
	}

	_, err = e.Get("k", coordinator.One, time.Second)
	if err != ErrDataDeleted {
		t.Fatalf("expected Get to report ErrDataDeleted, got %v", err)
	}
}

// An Update constructed without the local marker (unreachable through the
// exported API, but possible via the internal command type) is rejected
// without touching the store (spec §4.5: "Rejection: an Update whose sender
// is not local is rejected with InvalidUsage").
func TestInvalidUsageForNonLocalUpdate(t *testing.T) {
	tr := transport.NewInMemory()
	e := newTestEngine("a", tr)
	defer e.Stop()

	reply := make(chan error, 1)
	e.inbox <- &updateCmd{
		key:        "k",
		readLevel:  coordinator.One,
		writeLevel: coordinator.One,
		timeout:    time.Second,
		modify:     incrementBy(e.SelfID(), 1),
		local:      false,
		reply:      reply,
	}
	if err := <-reply; err != ErrInvalidUsage {
		t.Fatalf("expected ErrInvalidUsage, got %v", err)
	}

	if _, err := e.Get("k", coordinator.One, time.Second); err != ErrNotFound {
		t.Fatalf("expected key to remain unwritten, got %v", err)
	}
}

// A modify function's error surfaces as ErrModifyFailure without mutating
// the store.
func TestModifyFailureSurfaces(t *testing.T) {
	tr := transport.NewInMemory()
	e := newTestEngine("a", tr)
	defer e.Stop()

	sentinel := errModifyBoom
	err := e.Update("k", coordinator.One, coordinator.One, time.Second, func(crdt.Value, bool) (crdt.Value, error) {
		return nil, sentinel
	})
	mf, ok := err.(*ErrModifyFailure)
	if !ok {
		t.Fatalf("expected *ErrModifyFailure, got %T: %v", err, err)
	}
	if mf.Unwrap() != sentinel {
		t.Fatalf("expected wrapped sentinel error, got %v", mf.Unwrap())
	}

	if _, err := e.Get("k", coordinator.One, time.Second); err != ErrNotFound {
		t.Fatalf("expected key to remain unwritten, got %v", err)
	}
}

// Subscribe delivers an immediate notification when the key already holds
// data (spec §6.1).
func TestSubscribeImmediateNotification(t *testing.T) {
	tr := transport.NewInMemory()
	e := newTestEngine("a", tr)
	defer e.Stop()

	if err := e.Update("k", coordinator.One, coordinator.One, time.Second, incrementBy(e.SelfID(), 1)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	w := &captureWatcher{notified: make(chan struct{}, 1)}
	e.Subscribe("k", w)
	select {
	case <-w.notified:
	case <-time.After(time.Second):
		t.Fatal("expected immediate notification on Subscribe")
	}
}

// S4 — a stale replica's Quorum Get merges in a newer value seen by a
// majority of peers and read-repairs it back into its own local store (spec
// §4.3).
func TestQuorumReadRepairsStaleReplica(t *testing.T) {
	tr := transport.NewInMemory()

	a := newTestEngine("a", tr, WithGossipInterval(time.Hour))
	b := newTestEngine("b", tr, WithGossipInterval(time.Hour))
	c := newTestEngine("c", tr, WithGossipInterval(time.Hour))
	defer a.Stop()
	defer b.Stop()
	defer c.Stop()

	for _, x := range []*Engine{a, b, c} {
		for _, y := range []*Engine{a, b, c} {
			if x == y {
				continue
			}
			x.ApplyMembership(membership.MemberUp{Member: membership.Member{Addr: y.self, Id: y.SelfID()}})
		}
	}

	setReg := func(value string, ts int64, writer node.Id) func(crdt.Value, bool) (crdt.Value, error) {
		return func(crdt.Value, bool) (crdt.Value, error) {
			return crdt.NewLWWRegister(value, ts, writer), nil
		}
	}

	// a holds a stale value; b and c independently receive the newer one, so
	// a majority (2 of 3) already agree when a's Quorum read queries them.
	if err := a.Update("reg", coordinator.One, coordinator.One, time.Second, setReg("old", 1, a.SelfID())); err != nil {
		t.Fatalf("a seed Update: %v", err)
	}
	if err := b.Update("reg", coordinator.One, coordinator.One, time.Second, setReg("new", 2, b.SelfID())); err != nil {
		t.Fatalf("b seed Update: %v", err)
	}
	if err := c.Update("reg", coordinator.One, coordinator.One, time.Second, setReg("new", 2, c.SelfID())); err != nil {
		t.Fatalf("c seed Update: %v", err)
	}

	v, err := a.Get("reg", coordinator.Quorum, time.Second)
	if err != nil {
		t.Fatalf("a Quorum Get: %v", err)
	}
	if got := v.(crdt.LWWRegister).Value_; got != "new" {
		t.Fatalf("expected quorum read to surface the newer value, got %q", got)
	}

	// The merged result must have been repaired back into a's own store.
	repaired, err := a.Get("reg", coordinator.One, time.Second)
	if err != nil {
		t.Fatalf("a local Get after repair: %v", err)
	}
	if got := repaired.(crdt.LWWRegister).Value_; got != "new" {
		t.Fatalf("expected read-repair to persist the newer value locally, got %q", got)
	}
}

// S6 — the three-phase pruning lifecycle folds a removed node's counter
// contribution into the leader and then forgets it, while a late gossip
// message still referencing the removed node is absorbed without
// reintroducing it (spec §4.7).
func TestPruningLifecycleForgetsRemovedNode(t *testing.T) {
	tr := transport.NewInMemory()

	pruneInterval := time.Hour // driven manually via Tick, not the ticker
	maxDissemination := 50 * time.Millisecond

	a := newTestEngine("a", tr, WithGossipInterval(time.Hour), WithPruningInterval(pruneInterval), WithMaxPruningDissemination(maxDissemination))
	b := newTestEngine("b", tr, WithGossipInterval(time.Hour), WithPruningInterval(pruneInterval), WithMaxPruningDissemination(maxDissemination))
	c := newTestEngine("c", tr, WithGossipInterval(time.Hour), WithPruningInterval(pruneInterval), WithMaxPruningDissemination(maxDissemination))
	defer a.Stop()
	defer b.Stop()
	defer c.Stop()

	for _, x := range []*Engine{a, b, c} {
		for _, y := range []*Engine{a, b, c} {
			if x == y {
				continue
			}
			x.ApplyMembership(membership.MemberUp{Member: membership.Member{Addr: y.self, Id: y.SelfID()}})
		}
		x.ApplyMembership(membership.LeaderChanged{Leader: "a"})
	}

	if err := a.Update("ctr", coordinator.One, coordinator.All, time.Second, incrementBy(a.SelfID(), 3)); err != nil {
		t.Fatalf("a Update: %v", err)
	}
	if err := b.Update("ctr", coordinator.One, coordinator.All, time.Second, incrementBy(b.SelfID(), 5)); err != nil {
		t.Fatalf("b Update: %v", err)
	}
	if err := c.Update("ctr", coordinator.One, coordinator.All, time.Second, incrementBy(c.SelfID(), 7)); err != nil {
		t.Fatalf("c Update: %v", err)
	}

	idC := c.SelfID()
	a.ApplyMembership(membership.MemberRemoved{Member: membership.Member{Addr: "c", Id: idC}})
	b.ApplyMembership(membership.MemberRemoved{Member: membership.Member{Addr: "c", Id: idC}})

	t0 := time.Now()
	a.Tick(t0)
	b.Tick(t0)
	t1 := t0.Add(maxDissemination + 10*time.Millisecond)
	a.Tick(t1)
	b.Tick(t1)

	// Phase A: the leader claims ownership of pruning idC.
	a.pruningCtl.Tick()

	env, ok := a.pruningGet("ctr")
	if !ok {
		t.Fatal("expected ctr to be present on a after phase A")
	}
	st, ok := env.Pruning[idC]
	if !ok || st.Owner != a.SelfID() {
		t.Fatalf("expected a to own an Init entry for the removed node, got %+v", env.Pruning)
	}

	// Let the Init propagate to b so it can echo the acknowledgement, then
	// run phase A/B/C again until b's ack round-trips back to a.
	deadline := time.Now().Add(2 * time.Second)
	for {
		aenv, _ := a.pruningGet("ctr")
		b.applyIncoming("ctr", aenv)

		benv, ok := b.pruningGet("ctr")
		if !ok {
			t.Fatal("expected ctr to be present on b")
		}
		merged := benv.AddSeen(b.self)
		b.pruningSet("ctr", merged)

		done := make(chan struct{})
		a.inbox <- incomingReplicationCmd{key: "ctr", env: merged, done: done}
		<-done

		a.pruningCtl.Tick()

		env, _ = a.pruningGet("ctr")
		if st, ok := env.Pruning[idC]; ok && st.Phase == envelope.PhasePerformed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for phase B to fold the removed node's contribution")
		}
	}

	if v, ok := env.Data.(crdt.GCounter); !ok || v.Value() != 15 {
		t.Fatalf("expected the counter total to be preserved across the fold, got %+v", env.Data)
	}

	t2 := t1.Add(maxDissemination + 10*time.Millisecond)
	a.Tick(t2)
	a.pruningCtl.Tick()

	if !a.pruningCtl.IsTombstoned(idC) {
		t.Fatal("expected phase C to have tombstoned the removed node")
	}
	env, _ = a.pruningGet("ctr")
	if _, has := env.Pruning[idC]; has {
		t.Fatalf("expected the tombstoned node's pruning entry to be stripped, got %+v", env.Pruning)
	}

	// A late gossip message still carrying the removed node's slot must be
	// absorbed without reintroducing it.
	stale := envelope.New(crdt.NewGCounter().Increment(idC, 7))
	a.applyIncoming("ctr", stale)
	env, _ = a.pruningGet("ctr")
	if gc, ok := env.Data.(crdt.GCounter); !ok || gc.NeedsPruningFrom(idC) {
		t.Fatalf("expected late gossip referencing the tombstoned node to be absorbed, got %+v", env.Data)
	}
}

// Stats and PruningDump are ambient debug surfaces (not spec operations);
// this only checks they reflect engine state rather than panicking or
// blocking.
func TestStatsReflectsLiveState(t *testing.T) {
	tr := transport.NewInMemory()
	a := newTestEngine("a", tr)
	b := newTestEngine("b", tr)
	defer a.Stop()
	defer b.Stop()
	joinPeers(a, b)

	if err := a.Update("c", coordinator.One, coordinator.One, time.Second, incrementBy(a.SelfID(), 1)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	stats := a.Stats()
	if stats.LiveKeys != 1 {
		t.Fatalf("expected 1 live key, got %d", stats.LiveKeys)
	}
	if stats.Peers != 1 {
		t.Fatalf("expected 1 peer, got %d", stats.Peers)
	}
	if stats.String() == "" {
		t.Fatal("expected a non-empty rendered stats table")
	}
	if dump := a.PruningDump(); dump == "" {
		t.Fatal("expected PruningDump to render at least a header row")
	}
}

type captureWatcher struct{ notified chan struct{} }

func (w *captureWatcher) Notify(store.Notification) { w.notified <- struct{}{} }

var errModifyBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "modify boom" }
