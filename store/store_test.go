package store

import (
	"testing"

	"github.com/gholt/crdtstore/crdt"
	"github.com/gholt/crdtstore/envelope"
	"github.com/gholt/crdtstore/node"
)

type recordingWatcher struct {
	received []Notification
}

func (w *recordingWatcher) Notify(n Notification) { w.received = append(w.received, n) }

func TestSetNotifiesOnlyOnDigestChange(t *testing.T) {
	s := New()
	w := &recordingWatcher{}
	s.Subscribe("k", w)

	env := envelope.New(crdt.NewGCounter().Increment(node.Id{Addr: "a", Incarnation: 1}, 1))
	s.Set("k", env)
	if len(w.received) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(w.received))
	}

	// Setting the exact same envelope again must not notify (same digest).
	s.Set("k", env)
	if len(w.received) != 1 {
		t.Fatalf("expected no additional notification for an unchanged digest, got %d", len(w.received))
	}

	env2 := envelope.New(crdt.NewGCounter().Increment(node.Id{Addr: "a", Incarnation: 1}, 2))
	s.Set("k", env2)
	if len(w.received) != 2 {
		t.Fatalf("expected a second notification after a real change, got %d", len(w.received))
	}
}

func TestDeleteNotifiesDataDeleted(t *testing.T) {
	s := New()
	w := &recordingWatcher{}
	s.Subscribe("k", w)
	s.Set("k", envelope.Envelope{Data: crdt.Deleted})
	if len(w.received) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(w.received))
	}
	if _, ok := w.received[0].(DataDeleted); !ok {
		t.Fatalf("expected DataDeleted, got %T", w.received[0])
	}
}

func TestSubscribeImmediateNotification(t *testing.T) {
	s := New()
	s.Set("k", envelope.New(crdt.NewGCounter()))
	w := &recordingWatcher{}
	n, ok := s.Subscribe("k", w)
	if !ok {
		t.Fatal("expected an immediate notification for an existing entry")
	}
	if _, ok := n.(Changed); !ok {
		t.Fatalf("expected Changed, got %T", n)
	}
}

func TestTerminateRemovesFromAllKeys(t *testing.T) {
	s := New()
	w := &recordingWatcher{}
	s.Subscribe("k1", w)
	s.Subscribe("k2", w)
	s.Terminate(w)

	s.Set("k1", envelope.New(crdt.NewGCounter().Increment(node.Id{Addr: "a", Incarnation: 1}, 1)))
	s.Set("k2", envelope.New(crdt.NewGCounter().Increment(node.Id{Addr: "a", Incarnation: 1}, 1)))
	if len(w.received) != 0 {
		t.Fatalf("expected a terminated watcher to receive nothing, got %d", len(w.received))
	}
}

func TestListLiveKeysExcludesDeleted(t *testing.T) {
	s := New()
	s.Set("live", envelope.New(crdt.NewGCounter()))
	s.Set("dead", envelope.Envelope{Data: crdt.Deleted})

	live := s.ListLiveKeys()
	if len(live) != 1 || live[0] != "live" {
		t.Fatalf("expected only [live], got %v", live)
	}
}

func TestDigestEmptyForDeleted(t *testing.T) {
	s := New()
	s.Set("k", envelope.Envelope{Data: crdt.Deleted})
	if s.Digest("k") != "" {
		t.Fatal("expected an empty digest for a deleted entry")
	}
}
