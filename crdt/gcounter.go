package crdt

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/gholt/crdtstore/node"
)

// GCounter is a grow-only counter CRDT, grown one node slot at a time so
// that concurrent increments from different nodes never clobber each other.
// The total is the sum of every slot.
const gCounterShape = "crdt.GCounter"

type GCounter struct {
	slots map[node.Id]uint64
}

// NewGCounter returns an empty GCounter.
func NewGCounter() GCounter {
	return GCounter{}
}

// Increment returns a copy of c with by added to n's slot.
func (c GCounter) Increment(n node.Id, by uint64) GCounter {
	next := make(map[node.Id]uint64, len(c.slots)+1)
	for k, v := range c.slots {
		next[k] = v
	}
	next[n] += by
	return GCounter{slots: next}
}

// Value returns the sum of every slot: the counter's current total.
func (c GCounter) Value() uint64 {
	var total uint64
	for _, v := range c.slots {
		total += v
	}
	return total
}

func (c GCounter) Shape() string { return gCounterShape }

// Merge takes the elementwise maximum of each node's slot, the grow-only
// counter join.
func (c GCounter) Merge(other Value) Value {
	o, ok := other.(GCounter)
	if !ok {
		return c
	}
	next := make(map[node.Id]uint64, len(c.slots)+len(o.slots))
	for k, v := range c.slots {
		next[k] = v
	}
	for k, v := range o.slots {
		if v > next[k] {
			next[k] = v
		}
	}
	return GCounter{slots: next}
}

func (c GCounter) NeedsPruningFrom(removed node.Id) bool {
	_, ok := c.slots[removed]
	return ok
}

// Prune moves removed's slot onto owner's slot (the counter total is
// preserved; only attribution changes).
func (c GCounter) Prune(removed, owner node.Id) Value {
	v, ok := c.slots[removed]
	if !ok {
		return c
	}
	next := make(map[node.Id]uint64, len(c.slots))
	for k, val := range c.slots {
		if k == removed {
			continue
		}
		next[k] = val
	}
	next[owner] += v
	return GCounter{slots: next}
}

// CanonicalBytes renders the counter deterministically regardless of the
// underlying map's iteration order, so two structurally equal counters
// always produce identical bytes (the digest the store keeps for each
// entry depends on this, spec §3.3).
func (c GCounter) CanonicalBytes() []byte {
	keys := make([]string, 0, len(c.slots))
	byKey := make(map[string]uint64, len(c.slots))
	for k, v := range c.slots {
		s := k.String()
		keys = append(keys, s)
		byKey[s] = v
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte(0)
		fmt.Fprintf(&buf, "%d", byKey[k])
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// gCounterWire is GCounter's exported shadow for gob, since slots is kept
// unexported to stop callers from mutating a counter's internals in place.
type gCounterWire struct {
	Slots map[node.Id]uint64
}

func (c GCounter) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gCounterWire{Slots: c.slots}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *GCounter) GobDecode(data []byte) error {
	var w gCounterWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	c.slots = w.Slots
	return nil
}

// PruningCleanup strips any remaining trace of removed without moving its
// contribution anywhere (used once removed has been tombstoned and its
// value was already folded into an owner during Prune).
func (c GCounter) PruningCleanup(removed node.Id) Value {
	if _, ok := c.slots[removed]; !ok {
		return c
	}
	next := make(map[node.Id]uint64, len(c.slots))
	for k, v := range c.slots {
		if k == removed {
			continue
		}
		next[k] = v
	}
	return GCounter{slots: next}
}
