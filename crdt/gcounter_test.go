package crdt

import (
	"testing"

	"github.com/gholt/crdtstore/node"
)

func TestGCounterConvergence(t *testing.T) {
	a := node.Id{Addr: "a", Incarnation: 1}
	b := node.Id{Addr: "b", Incarnation: 1}

	nodeA := NewGCounter().Increment(a, 2)
	nodeB := NewGCounter().Increment(b, 1)

	merged1 := nodeA.Merge(nodeB).(GCounter)
	merged2 := nodeB.Merge(nodeA).(GCounter)

	if merged1.Value() != 3 || merged2.Value() != 3 {
		t.Fatalf("expected convergence at 3, got %d and %d", merged1.Value(), merged2.Value())
	}

	idempotent := merged1.Merge(merged1).(GCounter)
	if idempotent.Value() != 3 {
		t.Fatalf("idempotency failed: expected 3, got %d", idempotent.Value())
	}
}

func TestGCounterPruning(t *testing.T) {
	owner := node.Id{Addr: "owner", Incarnation: 1}
	removed := node.Id{Addr: "gone", Incarnation: 1}

	c := NewGCounter().Increment(owner, 1).Increment(removed, 4)
	if !c.NeedsPruningFrom(removed) {
		t.Fatal("expected NeedsPruningFrom to be true before pruning")
	}

	pruned := c.Prune(removed, owner).(GCounter)
	if pruned.NeedsPruningFrom(removed) {
		t.Fatal("expected NeedsPruningFrom to be false after pruning")
	}
	if pruned.Value() != c.Value() {
		t.Fatalf("pruning must preserve the total: before=%d after=%d", c.Value(), pruned.Value())
	}
}
