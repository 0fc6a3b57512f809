package crdt

import (
	"fmt"

	"github.com/gholt/crdtstore/node"
)

const lwwRegisterShape = "crdt.LWWRegister"

// LWWRegister holds a single value, last-write-wins by timestamp with the
// writer's NodeId as a tie-break so the join stays deterministic across
// replicas that race on the same timestamp.
type LWWRegister struct {
	Value_    string
	Timestamp int64
	Writer    node.Id
}

func NewLWWRegister(value string, ts int64, writer node.Id) LWWRegister {
	return LWWRegister{Value_: value, Timestamp: ts, Writer: writer}
}

func (r LWWRegister) Shape() string { return lwwRegisterShape }

// CanonicalBytes has no map internals to canonicalize; the fixed field
// layout is already deterministic.
func (r LWWRegister) CanonicalBytes() []byte {
	return []byte(fmt.Sprintf("%s\x00%d\x00%s", r.Value_, r.Timestamp, r.Writer.String()))
}

func (r LWWRegister) Merge(other Value) Value {
	o, ok := other.(LWWRegister)
	if !ok {
		return r
	}
	if o.Timestamp > r.Timestamp {
		return o
	}
	if o.Timestamp == r.Timestamp && o.Writer.Less(r.Writer) {
		return o
	}
	return r
}
