// Package engine wires the local store, read/write coordinators, gossip,
// pruning, and membership into the single-goroutine actor described in spec
// §4.5/§5: every exported method is a synchronous facade over a command sent
// to the engine's own goroutine, which is the only mutator of store state,
// per-key coordinator bookkeeping, and membership. It follows the teacher's
// group-request idiom (`groupstore_GEN_.go`'s request/response channel
// pattern) generalized from a fixed message set to a small closed command
// set.
package engine

import (
	"time"

	"github.com/gholt/crdtstore/coordinator"
	"github.com/gholt/crdtstore/crdt"
	"github.com/gholt/crdtstore/crdtlog"
	"github.com/gholt/crdtstore/envelope"
	"github.com/gholt/crdtstore/gossip"
	"github.com/gholt/crdtstore/membership"
	"github.com/gholt/crdtstore/node"
	"github.com/gholt/crdtstore/pruning"
	"github.com/gholt/crdtstore/store"
	"github.com/gholt/crdtstore/transport"
)

// Engine is one replica's node process (spec §2, §5).
type Engine struct {
	cfg  *Config
	self node.Addr
	log  crdtlog.Funcs

	store      *store.Store
	membership *membership.Adapter
	transport  transport.Transport
	gossipEng  *gossip.Engine
	pruningCtl *pruning.Controller

	inbox chan interface{}
	done  chan struct{}

	// The following are only ever touched on the engine's own goroutine.
	pending map[string][]keyedCommand
	active  map[string]int
	readCo  map[string]*coordinator.ReadCoordinator
	writeCo map[string]*coordinator.WriteCoordinator
}

// New builds an Engine for self and starts its background goroutine plus
// the gossip and pruning tickers. Call Stop to shut it down cleanly.
func New(tr transport.Transport, opts ...func(*Config)) *Engine {
	cfg := resolveConfig(opts...)
	e := &Engine{
		cfg:        cfg,
		self:       cfg.Self,
		log:        cfg.Log,
		store:      store.New(store.WithShards(cfg.Shards)),
		membership: membership.New(cfg.Self, cfg.Role),
		transport:  tr,
		inbox:      make(chan interface{}, 64),
		done:       make(chan struct{}),
		pending:    make(map[string][]keyedCommand),
		active:     make(map[string]int),
		readCo:     make(map[string]*coordinator.ReadCoordinator),
		writeCo:    make(map[string]*coordinator.WriteCoordinator),
	}

	e.gossipEng = gossip.New(gossip.Collaborators{
		Self:          cfg.Self,
		Transport:     tr,
		Peers:         e.membership.Peers,
		Digests:       e.store.Digests,
		Get:           e.store.Get,
		ApplyIncoming: e.applyIncomingLocked,
	}, gossip.WithInterval(cfg.GossipInterval), gossip.WithMaxDeltaElements(cfg.MaxDeltaElements), gossip.WithLog(cfg.Log))

	e.pruningCtl = pruning.New(pruning.Collaborators{
		Self:          node.Id{Addr: cfg.Self},
		IsLeader:      e.membership.IsLeader,
		PeerSet:       e.membership.PeerSet,
		ClockTime:     e.membership.AllReachableClockTime,
		RemovedNodes:  e.membership.RemovedNodes,
		ForgetRemoved: e.membership.ForgetRemoved,
		LiveKeys:      e.store.ListLiveKeys,
		Get:           e.pruningGet,
		Set:           e.pruningSet,
	}, pruning.WithInterval(cfg.PruningInterval), pruning.WithMaxPruningDissemination(cfg.MaxPruningDissemination), pruning.WithLog(cfg.Log))

	tr.Register(cfg.Self, func(from node.Addr, msg transport.Message) {
		e.inbox <- peerMessageCmd{from: from, msg: msg}
	})

	go e.run()
	e.gossipEng.Run()
	e.pruningCtl.Run()

	return e
}

// SelfID returns the node identity this engine uses for pruning ownership
// and CRDT slot attribution, derived from its address.
func (e *Engine) SelfID() node.Id { return node.Id{Addr: e.self} }

// Membership returns the membership adapter so callers can feed it cluster
// events (spec §6.4); kept separate from ApplyMembership's command path only
// for read-only queries like Peers/IsLeader used by demo tooling.
func (e *Engine) Membership() *membership.Adapter { return e.membership }

// PruningDump renders the pruning controller's removed-node bookkeeping,
// exposed read-only for demo tooling (spec §9's ambient debug-surface
// allowance).
func (e *Engine) PruningDump() string { return e.pruningCtl.Dump() }

// Tick advances the reachability clock (spec §4.8); callers drive this from
// their own cluster-heartbeat loop.
func (e *Engine) Tick(now time.Time) { e.membership.Tick(now) }

// ApplyMembership folds a cluster signal into membership state and, if it
// names this node as removed, stops the engine (spec §4.8: "On
// member-removed for self: stop the engine").
func (e *Engine) ApplyMembership(ev membership.Event) {
	reply := make(chan bool, 1)
	select {
	case e.inbox <- membershipEventCmd{ev: ev, reply: reply}:
	case <-e.done:
		return
	}
	select {
	case <-reply:
	case <-e.done:
	}
}

// Get implements spec §6.1's Get command.
func (e *Engine) Get(key string, level coordinator.Level, timeout time.Duration) (crdt.Value, error) {
	reply := make(chan getReply, 1)
	select {
	case e.inbox <- &getCmd{key: key, level: level, timeout: timeout, reply: reply}:
	case <-e.done:
		return nil, ErrGetFailure
	}
	select {
	case r := <-reply:
		return r.data, r.err
	case <-e.done:
		return nil, ErrGetFailure
	}
}

// GetKeys implements spec §6.1's GetKeys command.
func (e *Engine) GetKeys() []string {
	reply := make(chan []string, 1)
	select {
	case e.inbox <- &getKeysCmd{reply: reply}:
	case <-e.done:
		return nil
	}
	select {
	case keys := <-reply:
		return keys
	case <-e.done:
		return nil
	}
}

// Update implements spec §6.1's Update[V] command and §4.5's pipeline.
func (e *Engine) Update(key string, readLevel, writeLevel coordinator.Level, timeout time.Duration, modify func(current crdt.Value, found bool) (crdt.Value, error)) error {
	reply := make(chan error, 1)
	cmd := &updateCmd{
		key:        key,
		readLevel:  readLevel,
		writeLevel: writeLevel,
		timeout:    timeout,
		modify:     modify,
		local:      true,
		reply:      reply,
	}
	select {
	case e.inbox <- cmd:
	case <-e.done:
		return ErrReplicationUpdateFailure
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrReplicationUpdateFailure
	}
}

// Delete implements spec §6.1's Delete command.
func (e *Engine) Delete(key string, writeLevel coordinator.Level, timeout time.Duration) error {
	reply := make(chan error, 1)
	select {
	case e.inbox <- &deleteCmd{key: key, writeLevel: writeLevel, timeout: timeout, reply: reply}:
	case <-e.done:
		return ErrReplicationDeleteFailure
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrReplicationDeleteFailure
	}
}

// Subscribe implements spec §6.1's Subscribe command. Subscriber bookkeeping
// lives entirely in package store, which has its own locking, so this
// bypasses the engine's command queue (spec §4.2: subscribers are
// lifetime-tracked independently of entry data).
func (e *Engine) Subscribe(key string, w store.Watcher) {
	if n, ok := e.store.Subscribe(key, w); ok {
		w.Notify(n)
	}
}

// Unsubscribe implements spec §6.1's Unsubscribe command.
func (e *Engine) Unsubscribe(key string, w store.Watcher) { e.store.Unsubscribe(key, w) }

// Terminate purges w from every key it is subscribed to, driven by a
// watcher-terminated cluster signal (spec §6.4, §9).
func (e *Engine) Terminate(w store.Watcher) { e.store.Terminate(w) }

// Stop halts the engine's goroutine and its background gossip/pruning
// tickers (spec §5: "graceful stop happens on member-removed for self and
// cancels all periodic ticks", generalized here to an explicit manual stop
// too).
func (e *Engine) Stop() {
	done := make(chan struct{})
	select {
	case e.inbox <- stopCmd{done: done}:
		<-done
	case <-e.done:
	}
}

func (e *Engine) shutdown() {
	e.gossipEng.Stop()
	e.pruningCtl.Stop()
	e.transport.Deregister(e.self)
	close(e.done)
}

// pruningGet/pruningSet are the pruning.Controller's store collaborators,
// routed through the engine's own goroutine so a pruning mutation and a
// concurrent client command on the same key cannot race (spec §5).
func (e *Engine) pruningGet(key string) (envelope.Envelope, bool) {
	reply := make(chan getEnvelopeReply, 1)
	e.inbox <- pruningGetCmd{key: key, reply: reply}
	r := <-reply
	return r.env, r.ok
}

func (e *Engine) pruningSet(key string, env envelope.Envelope) {
	done := make(chan struct{})
	e.inbox <- pruningMergeSetCmd{key: key, env: env, done: done}
	<-done
}

// applyIncoming runs spec §4.9's incoming replication write for a caller
// outside the engine's goroutine, routed the same way. The gossip Engine
// does not use it: its HandleGossip already runs on the engine's goroutine
// and calls applyIncomingLocked directly.
func (e *Engine) applyIncoming(key string, env envelope.Envelope) {
	done := make(chan struct{})
	e.inbox <- incomingReplicationCmd{key: key, env: env, done: done}
	<-done
}

type incomingReplicationCmd struct {
	key  string
	env  envelope.Envelope
	done chan struct{}
}

// run is the engine's single goroutine: the only place store, membership,
// and coordinator bookkeeping are mutated (spec §5).
func (e *Engine) run() {
	for msg := range e.inbox {
		switch cmd := msg.(type) {
		case *getCmd:
			e.dispatch(cmd.key, cmd)
		case *updateCmd:
			e.dispatch(cmd.key, cmd)
		case *deleteCmd:
			e.dispatch(cmd.key, cmd)
		case *getKeysCmd:
			cmd.reply <- e.store.ListLiveKeys()
		case readCompletedCmd:
			e.handleReadCompleted(cmd)
		case writeCompletedCmd:
			e.handleWriteCompleted(cmd)
		case readRepairCmd:
			e.handleReadRepair(cmd)
		case peerMessageCmd:
			e.handlePeerMessage(cmd.from, cmd.msg)
		case membershipEventCmd:
			selfRemoved := e.membership.Apply(cmd.ev)
			cmd.reply <- selfRemoved
			if selfRemoved {
				e.shutdown()
				return
			}
		case pruningGetCmd:
			env, ok := e.store.Get(cmd.key)
			cmd.reply <- getEnvelopeReply{env: env, ok: ok}
		case pruningMergeSetCmd:
			current, _ := e.store.Get(cmd.key)
			e.store.Set(cmd.key, current.Merge(cmd.env))
			close(cmd.done)
		case incomingReplicationCmd:
			e.applyIncomingLocked(cmd.key, cmd.env)
			close(cmd.done)
		case stopCmd:
			e.shutdown()
			close(cmd.done)
			return
		case statsCmd:
			cmd.reply <- e.gatherStats()
		}
	}
}

// dispatch enforces per-key serialisation (spec §4.5 step 3): if a
// coordinator is already outstanding for key, cmd is queued; otherwise it is
// executed immediately.
func (e *Engine) dispatch(key string, cmd keyedCommand) {
	if _, busy := e.pending[key]; busy {
		e.pending[key] = append(e.pending[key], cmd)
		return
	}
	e.execute(cmd)
}

func (e *Engine) execute(cmd keyedCommand) {
	switch c := cmd.(type) {
	case *getCmd:
		e.handleGet(c)
	case *updateCmd:
		e.handleUpdate(c)
	case *deleteCmd:
		e.handleDelete(c)
	}
}

// drain resumes queued per-key commands once no coordinator remains
// outstanding for key (spec §4.5 steps 5-6).
func (e *Engine) drain(key string) {
	for e.active[key] == 0 {
		queue := e.pending[key]
		if len(queue) == 0 {
			delete(e.pending, key)
			delete(e.active, key)
			return
		}
		cmd := queue[0]
		e.pending[key] = queue[1:]
		e.execute(cmd)
	}
}

// beginTracking lazily opens the per-key queue and bumps its outstanding
// coordinator count; beginRead/beginWrite call this before spawning.
func (e *Engine) beginTracking(key string) {
	if _, ok := e.pending[key]; !ok {
		e.pending[key] = []keyedCommand{}
	}
	e.active[key]++
}

func (e *Engine) endTracking(key string) {
	if e.active[key] > 0 {
		e.active[key]--
	}
}
