package crdt

import (
	"bytes"
	"encoding/gob"

	"github.com/gholt/crdtstore/node"
)

const pnCounterShape = "crdt.PNCounter"

// PNCounter composes two GCounters, one tracking increments and one tracking
// decrements, so the total can move in either direction while each half
// stays grow-only (spec §3.1's monotonicity requirement applies to the
// halves, not the derived total).
type PNCounter struct {
	inc GCounter
	dec GCounter
}

func NewPNCounter() PNCounter {
	return PNCounter{}
}

func (c PNCounter) Increment(n node.Id, by uint64) PNCounter {
	return PNCounter{inc: c.inc.Increment(n, by), dec: c.dec}
}

func (c PNCounter) Decrement(n node.Id, by uint64) PNCounter {
	return PNCounter{inc: c.inc, dec: c.dec.Increment(n, by)}
}

// Value is the positive total minus the negative total.
func (c PNCounter) Value() int64 {
	return int64(c.inc.Value()) - int64(c.dec.Value())
}

func (c PNCounter) Shape() string { return pnCounterShape }

func (c PNCounter) Merge(other Value) Value {
	o, ok := other.(PNCounter)
	if !ok {
		return c
	}
	return PNCounter{
		inc: c.inc.Merge(o.inc).(GCounter),
		dec: c.dec.Merge(o.dec).(GCounter),
	}
}

// CanonicalBytes concatenates the two halves' canonical forms.
func (c PNCounter) CanonicalBytes() []byte {
	return append(append([]byte{}, c.inc.CanonicalBytes()...), c.dec.CanonicalBytes()...)
}

type pnCounterWire struct {
	Inc GCounter
	Dec GCounter
}

func (c PNCounter) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(pnCounterWire{Inc: c.inc, Dec: c.dec}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *PNCounter) GobDecode(data []byte) error {
	var w pnCounterWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	c.inc, c.dec = w.Inc, w.Dec
	return nil
}

func (c PNCounter) NeedsPruningFrom(removed node.Id) bool {
	return c.inc.NeedsPruningFrom(removed) || c.dec.NeedsPruningFrom(removed)
}

func (c PNCounter) Prune(removed, owner node.Id) Value {
	return PNCounter{
		inc: c.inc.Prune(removed, owner).(GCounter),
		dec: c.dec.Prune(removed, owner).(GCounter),
	}
}

func (c PNCounter) PruningCleanup(removed node.Id) Value {
	return PNCounter{
		inc: c.inc.PruningCleanup(removed).(GCounter),
		dec: c.dec.PruningCleanup(removed).(GCounter),
	}
}
