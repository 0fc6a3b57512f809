package coordinator

import (
	"time"

	"github.com/gholt/crdtstore/crdt"
	"github.com/gholt/crdtstore/envelope"
	"github.com/gholt/crdtstore/node"
	"github.com/gholt/crdtstore/transport"
)

// WriteOutcome is the terminal result a WriteCoordinator hands back.
type WriteOutcome struct {
	Key      string
	Deleted  bool
	TimedOut bool
}

// WriteCoordinator broadcasts a merged envelope and counts WriteAck replies
// against a consistency level's threshold (spec §4.4). A timeout does not
// imply rollback: gossip still propagates the value regardless of the
// coordinator's outcome.
type WriteCoordinator struct {
	key     string
	level   Level
	timeout time.Duration
	self    node.Addr
	peers   []node.Addr
	tr      transport.Transport
	deleted bool

	inbox chan inboundWrite
	done  chan WriteOutcome
}

type inboundWrite struct {
	from node.Addr
	msg  transport.WriteAck
}

// StartWrite launches a WriteCoordinator as a goroutine. If the threshold
// is already satisfied before any peer has replied (e.g. a single-node
// cluster with From(1)), it still broadcasts per spec §9 open question (a)
// but replies synchronously per §4.4 step 5.
func StartWrite(
	key string,
	env envelope.Envelope,
	level Level,
	timeout time.Duration,
	self node.Addr,
	peers []node.Addr,
	tr transport.Transport,
) *WriteCoordinator {
	wc := &WriteCoordinator{
		key:     key,
		level:   level,
		timeout: timeout,
		self:    self,
		peers:   append([]node.Addr(nil), peers...),
		tr:      tr,
		deleted: crdt.IsDeleted(env.Data),
		inbox:   make(chan inboundWrite, len(peers)*2+1),
		done:    make(chan WriteOutcome, 1),
	}
	go wc.run(env)
	return wc
}

func (wc *WriteCoordinator) Deliver(from node.Addr, msg transport.WriteAck) {
	select {
	case wc.inbox <- inboundWrite{from: from, msg: msg}:
	default:
	}
}

func (wc *WriteCoordinator) Done() <-chan WriteOutcome { return wc.done }

func (wc *WriteCoordinator) run(env envelope.Envelope) {
	target, failFast := wc.level.threshold(len(wc.peers))
	if failFast {
		wc.done <- WriteOutcome{Key: wc.key, Deleted: wc.deleted, TimedOut: true}
		close(wc.done)
		return
	}

	for _, p := range wc.peers {
		wc.tr.Send(wc.self, p, transport.Write{Key: wc.key, Env: env})
	}

	remaining := len(wc.peers)
	acked := make(map[node.Addr]struct{}, len(wc.peers))

	timer := time.NewTimer(wc.timeout)
	defer timer.Stop()

	finish := func(timedOut bool) {
		wc.done <- WriteOutcome{Key: wc.key, Deleted: wc.deleted, TimedOut: timedOut}
		close(wc.done)
		wc.linger()
	}

	if remaining <= target {
		finish(false)
		return
	}

	for {
		select {
		case in := <-wc.inbox:
			if _, dup := acked[in.from]; dup {
				continue
			}
			acked[in.from] = struct{}{}
			remaining--
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

func (wc *WriteCoordinator) linger() {
	deadline := time.NewTimer(lingerDuration)
	defer deadline.Stop()
	for {
		select {
		case <-wc.inbox:
		case <-deadline.C:
			return
		}
	}
}
