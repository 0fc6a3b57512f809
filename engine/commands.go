package engine

import (
	"time"

	"github.com/gholt/crdtstore/coordinator"
	"github.com/gholt/crdtstore/crdt"
	"github.com/gholt/crdtstore/envelope"
	"github.com/gholt/crdtstore/membership"
	"github.com/gholt/crdtstore/node"
	"github.com/gholt/crdtstore/transport"
)

// keyedCommand is any client command that must be serialised per key (spec
// §4.5 step 3: "all subsequent commands on K ... are appended to the
// K-queue"). getCmd, updateCmd, and deleteCmd are the only ones in this set.
type keyedCommand interface {
	Key() string
}

type getCmd struct {
	key     string
	level   coordinator.Level
	timeout time.Duration
	reply   chan getReply
}

func (c *getCmd) Key() string { return c.key }

type getReply struct {
	data crdt.Value
	err  error
}

type getKeysCmd struct {
	reply chan []string
}

type updateCmd struct {
	key        string
	readLevel  coordinator.Level
	writeLevel coordinator.Level
	timeout    time.Duration
	modify     func(current crdt.Value, found bool) (crdt.Value, error)
	local      bool
	reply      chan error
}

func (c *updateCmd) Key() string { return c.key }

type deleteCmd struct {
	key        string
	writeLevel coordinator.Level
	timeout    time.Duration
	reply      chan error
}

func (c *deleteCmd) Key() string { return c.key }

// readCompletedCmd resumes an engine-owned ReadCoordinator's caller once its
// terminal ReadOutcome is available (spec §4.5 step 4).
type readCompletedCmd struct {
	key     string
	outcome coordinator.ReadOutcome
	// getReply is set when the read was a plain Get; cont is set when the
	// read was an Update's two-phase read. Exactly one is non-nil.
	getReply chan getReply
	cont     *updateCmd
}

// writeCompletedCmd resumes an engine-owned WriteCoordinator's caller once
// its terminal WriteOutcome is available (spec §4.4).
type writeCompletedCmd struct {
	key      string
	outcome  coordinator.WriteOutcome
	reply    chan error
	isDelete bool
}

// readRepairCmd is how a ReadCoordinator's repair callback hands its merged
// result back to the engine goroutine for persistence (spec §4.3 step 3:
// "emit ReadRepair(K, result) to the local engine and await
// ReadRepairAck"), kept in-process rather than a real round trip.
type readRepairCmd struct {
	key  string
	env  envelope.Envelope
	done chan struct{}
}

type peerMessageCmd struct {
	from node.Addr
	msg  transport.Message
}

type membershipEventCmd struct {
	ev    membership.Event
	reply chan bool // selfRemoved
}

type stopCmd struct {
	done chan struct{}
}

// pruningMergeSetCmd lets the pruning Controller's background goroutine
// persist a computed envelope through the engine's single mutator instead of
// writing the store directly, so a concurrent client command on the same key
// cannot be silently clobbered: the engine merges the pruning result with
// whatever is currently stored rather than overwriting it outright, which is
// safe because PruningState and every sample payload's data are themselves
// join-semilattices.
type pruningMergeSetCmd struct {
	key  string
	env  envelope.Envelope
	done chan struct{}
}

type pruningGetCmd struct {
	key   string
	reply chan getEnvelopeReply
}

type getEnvelopeReply struct {
	env envelope.Envelope
	ok  bool
}
