package transport

import (
	"sync"

	"github.com/gholt/crdtstore/node"
)

// InMemory is a Transport for tests and the demo command: it dispatches
// each Send on its own goroutine, the way the teacher's MsgConn drains its
// writeChan on a dedicated goroutine rather than blocking the caller.
type InMemory struct {
	mu        sync.RWMutex
	handlers  map[node.Addr]func(from node.Addr, msg Message)
	unreach   map[node.Addr]map[node.Addr]struct{} // from -> set of to it cannot reach
}

// NewInMemory returns a ready-to-use InMemory transport.
func NewInMemory() *InMemory {
	return &InMemory{
		handlers: make(map[node.Addr]func(from node.Addr, msg Message)),
		unreach:  make(map[node.Addr]map[node.Addr]struct{}),
	}
}

func (t *InMemory) Register(self node.Addr, handler func(from node.Addr, msg Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[self] = handler
}

func (t *InMemory) Deregister(self node.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, self)
}

// Partition makes every message from -> to silently vanish, simulating a
// network partition for tests (spec S2, S6).
func (t *InMemory) Partition(from, to node.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unreach[from] == nil {
		t.unreach[from] = make(map[node.Addr]struct{})
	}
	t.unreach[from][to] = struct{}{}
}

// Heal reverses a prior Partition call.
func (t *InMemory) Heal(from, to node.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.unreach[from], to)
}

func (t *InMemory) Send(from, to node.Addr, msg Message) {
	t.mu.RLock()
	if m := t.unreach[from]; m != nil {
		if _, blocked := m[to]; blocked {
			t.mu.RUnlock()
			return
		}
	}
	handler := t.handlers[to]
	t.mu.RUnlock()
	if handler == nil {
		return
	}
	go handler(from, msg)
}
