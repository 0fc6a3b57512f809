package coordinator

import (
	"testing"
	"time"

	"github.com/gholt/crdtstore/crdt"
	"github.com/gholt/crdtstore/envelope"
	"github.com/gholt/crdtstore/node"
	"github.com/gholt/crdtstore/transport"
)

func TestQuorumBelowThreeFailsFast(t *testing.T) {
	target, failFast := Quorum.threshold(1) // N = 2
	_ = target
	if !failFast {
		t.Fatal("expected Quorum with N<3 to fail fast")
	}
}

func TestQuorumThreshold(t *testing.T) {
	// 3 peers + self = N=4, majority = 3, so remaining must drop to 1.
	target, failFast := Quorum.threshold(3)
	if failFast {
		t.Fatal("did not expect fail fast")
	}
	if target != 1 {
		t.Fatalf("expected target 1, got %d", target)
	}
}

func TestAllThreshold(t *testing.T) {
	target, _ := All.threshold(4)
	if target != 0 {
		t.Fatalf("expected target 0 for All, got %d", target)
	}
}

func TestReadCoordinatorMergesReplies(t *testing.T) {
	tr := transport.NewInMemory()
	self := node.Addr("self")
	peerA := node.Addr("a")
	peerB := node.Addr("b")

	var repaired envelope.Envelope
	repairCh := make(chan struct{}, 1)
	rc := StartRead("k", All, time.Second, self, []node.Addr{peerA, peerB}, tr,
		envelope.Envelope{}, false,
		func(key string, env envelope.Envelope) {
			repaired = env
			repairCh <- struct{}{}
		})

	envA := envelope.New(crdt.NewGCounter().Increment(node.Id{Addr: "a", Incarnation: 1}, 3))
	envB := envelope.New(crdt.NewGCounter().Increment(node.Id{Addr: "b", Incarnation: 1}, 5))
	rc.Deliver(peerA, transport.ReadResult{Key: "k", Env: &envA})
	rc.Deliver(peerB, transport.ReadResult{Key: "k", Env: &envB})

	select {
	case out := <-rc.Done():
		if !out.Found || out.TimedOut {
			t.Fatalf("unexpected outcome: %+v", out)
		}
		counter := out.Env.Data.(crdt.GCounter)
		if counter.Value() != 8 {
			t.Fatalf("expected merged total 8, got %d", counter.Value())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator never finished")
	}

	<-repairCh
	if repaired.Data.(crdt.GCounter).Value() != 8 {
		t.Fatal("expected read-repair to receive the merged value")
	}
}

func TestReadCoordinatorTimeout(t *testing.T) {
	tr := transport.NewInMemory()
	rc := StartRead("k", Quorum, 10*time.Millisecond, "self", []node.Addr{"a", "b"}, tr,
		envelope.Envelope{}, false, func(string, envelope.Envelope) {})

	select {
	case out := <-rc.Done():
		if !out.TimedOut {
			t.Fatal("expected a timeout outcome")
		}
	case <-time.After(time.Second):
		t.Fatal("coordinator never finished")
	}
}

func TestWriteCoordinatorSynchronousWhenThresholdAlreadyMet(t *testing.T) {
	tr := transport.NewInMemory()
	wc := StartWrite("k", envelope.New(crdt.NewGCounter()), From(1), time.Second, "self", nil, tr)
	select {
	case out := <-wc.Done():
		if out.TimedOut {
			t.Fatal("expected an immediate success, not a timeout")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a synchronous reply for an already-met threshold")
	}
}

func TestWriteCoordinatorDeleteOutcome(t *testing.T) {
	tr := transport.NewInMemory()
	wc := StartWrite("k", envelope.Envelope{Data: crdt.Deleted}, From(1), time.Second, "self", nil, tr)
	out := <-wc.Done()
	if !out.Deleted {
		t.Fatal("expected Deleted to be reflected in the outcome")
	}
}
