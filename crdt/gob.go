package crdt

import "encoding/gob"

// init registers every concrete payload type gob needs to know about to
// encode/decode a Value (an interface) embedded inside an Envelope, mirroring
// the way gob-based wire formats in the Go ecosystem require explicit
// registration for interface-typed fields.
func init() {
	gob.Register(deletedValue{})
	gob.Register(GCounter{})
	gob.Register(PNCounter{})
	gob.Register(GSet{})
	gob.Register(LWWRegister{})
}
