// Package transport defines the peer protocol's closed message set (spec
// §6.2) and the Transport collaborator the engine sends them through. Wire
// encoding itself is out of THE CORE (spec §1): Transport only needs to
// move a Message from one node address to another; how it serializes the
// envelope payload inside is the collaborator's concern.
package transport

import (
	"github.com/gholt/crdtstore/envelope"
	"github.com/gholt/crdtstore/node"
)

// Message is the closed set of peer-protocol messages (spec §6.2).
type Message interface{ peerMessage() }

// Read asks a peer to return its local envelope for Key.
type Read struct{ Key string }

func (Read) peerMessage() {}

// ReadResult answers a Read. Env is nil when the peer has never stored Key.
type ReadResult struct {
	Key string
	Env *envelope.Envelope
}

func (ReadResult) peerMessage() {}

// Write asks a peer to merge Env into its local copy of Key.
type Write struct {
	Key string
	Env envelope.Envelope
}

func (Write) peerMessage() {}

// WriteAck answers a Write once the peer has merged and persisted it.
type WriteAck struct{ Key string }

func (WriteAck) peerMessage() {}

// ReadRepair is the read coordinator's write-back of the merged result to
// the engine that owns the coordinator (and, per spec §4.3, is typically
// sent to the local engine, not a remote one).
type ReadRepair struct {
	Key string
	Env envelope.Envelope
}

func (ReadRepair) peerMessage() {}

// ReadRepairAck answers a ReadRepair once it has been persisted.
type ReadRepairAck struct{ Key string }

func (ReadRepairAck) peerMessage() {}

// Status carries the digest of every key the sender has stored locally,
// the gossip anti-entropy handshake (spec §4.6).
type Status struct{ Digests map[string]string }

func (Status) peerMessage() {}

// Gossip carries up to maxDeltaElements envelopes in response to a Status
// (spec §4.6).
type Gossip struct{ Envelopes map[string]envelope.Envelope }

func (Gossip) peerMessage() {}

// Transport moves Messages between node addresses. The engine never blocks
// waiting on Send; delivery and any retry policy belong to the
// implementation (spec §1 treats the wire layer as an external
// collaborator).
type Transport interface {
	// Send delivers msg, claiming to be from, to the peer at to.
	Send(from, to node.Addr, msg Message)
	// Register installs the handler invoked for every Message addressed to
	// self. Only one handler may be registered per address at a time.
	Register(self node.Addr, handler func(from node.Addr, msg Message))
	// Deregister removes self's handler, e.g. on engine shutdown.
	Deregister(self node.Addr)
}
