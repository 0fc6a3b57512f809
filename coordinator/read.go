package coordinator

import (
	"time"

	"github.com/gholt/crdtstore/envelope"
	"github.com/gholt/crdtstore/node"
	"github.com/gholt/crdtstore/transport"
)

// lingerDuration is how long a terminated coordinator keeps draining late
// replies before it stops listening, purely to avoid dead-letter noise
// (spec §4.3 step 5, §5).
const lingerDuration = 2 * time.Second

// ReadOutcome is the terminal result a ReadCoordinator hands back.
type ReadOutcome struct {
	Key      string
	Env      envelope.Envelope
	Found    bool
	TimedOut bool
}

// ReadCoordinator gathers ReadResult replies from peers, merges them with
// the local envelope, and replies once the consistency level's threshold is
// reached or the timeout elapses (spec §4.3).
type ReadCoordinator struct {
	key     string
	level   Level
	timeout time.Duration
	self    node.Addr
	peers   []node.Addr
	tr      transport.Transport

	repair func(key string, env envelope.Envelope)

	inbox chan inboundRead
	done  chan ReadOutcome
}

type inboundRead struct {
	from node.Addr
	msg  transport.ReadResult
}

// StartRead launches a ReadCoordinator as a goroutine and returns it so the
// caller can route replies to it via Deliver. repair is invoked with the
// merged result before the coordinator replies, standing in for "emit
// ReadRepair(K, result) to the local engine and await ReadRepairAck" (spec
// §4.3 step 3): since the engine and the coordinator share a process, the
// repair call is synchronous rather than a real round trip.
func StartRead(
	key string,
	level Level,
	timeout time.Duration,
	self node.Addr,
	peers []node.Addr,
	tr transport.Transport,
	local envelope.Envelope,
	localFound bool,
	repair func(key string, env envelope.Envelope),
) *ReadCoordinator {
	rc := &ReadCoordinator{
		key:     key,
		level:   level,
		timeout: timeout,
		self:    self,
		peers:   append([]node.Addr(nil), peers...),
		tr:      tr,
		repair:  repair,
		inbox:   make(chan inboundRead, len(peers)*2+1),
		done:    make(chan ReadOutcome, 1),
	}
	go rc.run(local, localFound)
	return rc
}

// Deliver routes an inbound ReadResult from from to this coordinator. It
// never blocks: a full inbox means the coordinator is already finalizing
// and about to stop draining, so the reply is simply dropped.
func (rc *ReadCoordinator) Deliver(from node.Addr, msg transport.ReadResult) {
	select {
	case rc.inbox <- inboundRead{from: from, msg: msg}:
	default:
	}
}

// Done returns the channel the terminal ReadOutcome is delivered on.
func (rc *ReadCoordinator) Done() <-chan ReadOutcome { return rc.done }

func (rc *ReadCoordinator) run(local envelope.Envelope, localFound bool) {
	target, failFast := rc.level.threshold(len(rc.peers))
	if failFast {
		rc.done <- ReadOutcome{Key: rc.key, TimedOut: true}
		close(rc.done)
		return
	}

	for _, p := range rc.peers {
		rc.tr.Send(rc.self, p, transport.Read{Key: rc.key})
	}

	result := local
	found := localFound
	remaining := len(rc.peers)
	replied := make(map[node.Addr]struct{}, len(rc.peers))

	timer := time.NewTimer(rc.timeout)
	defer timer.Stop()

	finish := func(timedOut bool) {
		if found {
			rc.repair(rc.key, result)
		}
		rc.done <- ReadOutcome{Key: rc.key, Env: result, Found: found, TimedOut: timedOut}
		close(rc.done)
		rc.linger()
	}

	if remaining <= target {
		finish(false)
		return
	}

	for {
		select {
		case in := <-rc.inbox:
			if _, dup := replied[in.from]; dup {
				continue // idempotent: merge is a no-op for a repeat reply
			}
			replied[in.from] = struct{}{}
			remaining--
			if in.msg.Env != nil {
				if found {
					result = result.Merge(*in.msg.Env)
				} else {
					result = *in.msg.Env
					found = true
				}
			}
			if remaining <= target {
				finish(false)
				return
			}
		case <-timer.C:
			finish(true)
			return
		}
	}
}

// linger keeps draining inbox for lingerDuration after the terminal reply,
// so late peer replies don't pile up as warnings elsewhere (spec §4.3 step
// 5, §5).
func (rc *ReadCoordinator) linger() {
	deadline := time.NewTimer(lingerDuration)
	defer deadline.Stop()
	for {
		select {
		case <-rc.inbox:
		case <-deadline.C:
			return
		}
	}
}
