package crdt

import (
	"bytes"
	"encoding/gob"
	"sort"
)

const gSetShape = "crdt.GSet"

// GSet is a grow-only set: union is its join, so it trivially satisfies the
// semilattice laws without any per-node bookkeeping and carries no pruning
// capability (nothing is attributed to a specific node).
type GSet struct {
	elems map[string]struct{}
}

func NewGSet(elems ...string) GSet {
	s := GSet{elems: make(map[string]struct{}, len(elems))}
	for _, e := range elems {
		s.elems[e] = struct{}{}
	}
	return s
}

func (s GSet) Add(elem string) GSet {
	next := make(map[string]struct{}, len(s.elems)+1)
	for k := range s.elems {
		next[k] = struct{}{}
	}
	next[elem] = struct{}{}
	return GSet{elems: next}
}

func (s GSet) Contains(elem string) bool {
	_, ok := s.elems[elem]
	return ok
}

func (s GSet) Members() []string {
	out := make([]string, 0, len(s.elems))
	for k := range s.elems {
		out = append(out, k)
	}
	return out
}

// CanonicalBytes sorts the set's members before serializing so two equal
// sets always digest the same regardless of map iteration order.
func (s GSet) CanonicalBytes() []byte {
	members := s.Members()
	sort.Strings(members)
	var buf bytes.Buffer
	for _, m := range members {
		buf.WriteString(m)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

type gSetWire struct {
	Elems map[string]struct{}
}

func (s GSet) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gSetWire{Elems: s.elems}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *GSet) GobDecode(data []byte) error {
	var w gSetWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	s.elems = w.Elems
	return nil
}

func (s GSet) Shape() string { return gSetShape }

func (s GSet) Merge(other Value) Value {
	o, ok := other.(GSet)
	if !ok {
		return s
	}
	next := make(map[string]struct{}, len(s.elems)+len(o.elems))
	for k := range s.elems {
		next[k] = struct{}{}
	}
	for k := range o.elems {
		next[k] = struct{}{}
	}
	return GSet{elems: next}
}
