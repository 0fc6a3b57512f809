// Package pruning implements the three-phase removed-node garbage
// collection state machine (spec §4.7). A removed node R moves through
// Init (the leader claims ownership of folding R's contribution into
// itself), Performed (every peer has acknowledged Init and the fold has
// happened locally), and Tombstone (R is forgotten entirely once every
// live key has advanced past Init for R). It follows the same
// ticker-plus-notify-channel background-task shape as package gossip.
package pruning

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gholt/brimtext"

	"github.com/gholt/crdtstore/crdt"
	"github.com/gholt/crdtstore/crdtlog"
	"github.com/gholt/crdtstore/envelope"
	"github.com/gholt/crdtstore/node"
)

// Config tunes the pruning tick (spec §6.3).
type Config struct {
	Interval                time.Duration
	MaxPruningDissemination time.Duration
	Log                     crdtlog.Funcs
}

func resolveConfig(opts ...func(*Config)) *Config {
	cfg := &Config{}
	if env := os.Getenv("CRDTSTORE_PRUNING_INTERVAL_MS"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.Interval = time.Duration(v) * time.Millisecond
		}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if env := os.Getenv("CRDTSTORE_PRUNING_MAX_DISSEMINATION_MS"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.MaxPruningDissemination = time.Duration(v) * time.Millisecond
		}
	}
	if cfg.MaxPruningDissemination <= 0 {
		cfg.MaxPruningDissemination = 5 * time.Minute
	}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.Log = crdtlog.Resolve(cfg.Log)
	return cfg
}

func WithInterval(d time.Duration) func(*Config) { return func(c *Config) { c.Interval = d } }
func WithMaxPruningDissemination(d time.Duration) func(*Config) {
	return func(c *Config) { c.MaxPruningDissemination = d }
}
func WithLog(l crdtlog.Funcs) func(*Config) { return func(c *Config) { c.Log = l } }

// Collaborators is everything the Controller needs from the rest of the
// node; like package gossip it never touches the store's internals
// directly, only through these callbacks (spec §5).
type Collaborators struct {
	Self          node.Id
	IsLeader      func() bool
	PeerSet       func() map[node.Addr]struct{}
	ClockTime     func() time.Duration
	RemovedNodes  func() map[node.Id]time.Duration
	ForgetRemoved func(node.Id)
	LiveKeys      func() []string
	Get           func(key string) (envelope.Envelope, bool)
	Set           func(key string, env envelope.Envelope)
}

type notification struct {
	enable, disable bool
	done            chan struct{}
}

// Controller drives the three-phase tick and tracks which removed nodes
// have already been tombstoned, so that TombstoneCleanup can be applied by
// the engine's incoming-replication path to absorb late gossip referencing
// a node this process has already forgotten (spec §4.7 Phase C, §4.9).
type Controller struct {
	cfg *Config
	co  Collaborators

	mu             sync.RWMutex
	performedAt    map[node.Id]time.Duration
	tombstoneNodes map[node.Id]struct{}

	notify chan *notification
	stop   chan struct{}
}

// New builds a Controller; call Run to start its background tick.
func New(co Collaborators, opts ...func(*Config)) *Controller {
	return &Controller{
		cfg:            resolveConfig(opts...),
		co:             co,
		performedAt:    make(map[node.Id]time.Duration),
		tombstoneNodes: make(map[node.Id]struct{}),
		notify:         make(chan *notification, 1),
		stop:           make(chan struct{}),
	}
}

// Run starts the pruning tick loop on its own goroutine.
func (c *Controller) Run() {
	go c.loop()
}

// Stop permanently halts the pruning loop.
func (c *Controller) Stop() {
	close(c.stop)
}

// Disable pauses ticking (e.g. while this node itself is unreachable from
// its peers, mirroring gossip.Engine.Disable).
func (c *Controller) Disable() {
	done := make(chan struct{})
	c.notify <- &notification{disable: true, done: done}
	<-done
}

func (c *Controller) Enable() {
	done := make(chan struct{})
	c.notify <- &notification{enable: true, done: done}
	<-done
}

func (c *Controller) loop() {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	disabled := false
	for {
		select {
		case <-c.stop:
			return
		case n := <-c.notify:
			if n.enable {
				disabled = false
			}
			if n.disable {
				disabled = true
			}
			close(n.done)
		case <-ticker.C:
			if disabled {
				continue
			}
			c.Tick()
		}
	}
}

// Tick runs all three phases once; exported so tests and the engine can
// drive it deterministically instead of waiting on the ticker.
func (c *Controller) Tick() {
	if c.co.IsLeader() {
		c.phaseAInit()
	}
	c.phaseBPerform()
	c.phaseCTombstone()
}

// phaseAInit has the leader claim ownership of pruning every removed node
// whose removal predates maxPruningDissemination, for every live key whose
// payload supports pruning (spec §4.7 Phase A).
func (c *Controller) phaseAInit() {
	now := c.co.ClockTime()
	for removed, removedAt := range c.co.RemovedNodes() {
		if now-removedAt < c.cfg.MaxPruningDissemination {
			continue
		}
		for _, key := range c.co.LiveKeys() {
			env, ok := c.co.Get(key)
			if !ok {
				continue
			}
			if _, ok := crdt.AsPruner(env.Data); !ok {
				continue
			}
			next := env.LeaderOverwriteInit(removed, c.co.Self)
			if !sameEnvelope(next, env) {
				c.co.Set(key, next)
			}
		}
	}
}

// phaseBPerform folds removed's contribution into its owner, for every key
// whose pruning entry is Init, owned by self, and acknowledged by every
// current peer (spec §4.7 Phase B).
func (c *Controller) phaseBPerform() {
	peers := c.co.PeerSet()
	now := c.co.ClockTime()
	performed := map[node.Id]struct{}{}
	for _, key := range c.co.LiveKeys() {
		env, ok := c.co.Get(key)
		if !ok {
			continue
		}
		for removed, st := range env.Pruning {
			if st.Owner != c.co.Self || !st.SeenAll(peers) {
				continue
			}
			next, err := env.Prune(removed)
			if err != nil {
				continue
			}
			env = next
			performed[removed] = struct{}{}
		}
		c.co.Set(key, env)
	}
	if len(performed) == 0 {
		return
	}
	c.mu.Lock()
	for removed := range performed {
		if _, already := c.performedAt[removed]; !already {
			c.performedAt[removed] = now
		}
	}
	c.mu.Unlock()
}

// phaseCTombstone forgets a removed node entirely once its fold has been
// Performed everywhere dissemination could have reached it and no live key
// still carries an un-Performed entry for it (spec §4.7 Phase C).
func (c *Controller) phaseCTombstone() {
	now := c.co.ClockTime()
	c.mu.RLock()
	var ready []node.Id
	for removed, at := range c.performedAt {
		if now-at > c.cfg.MaxPruningDissemination {
			ready = append(ready, removed)
		}
	}
	c.mu.RUnlock()

	for _, removed := range ready {
		if !c.everyKeyPastInit(removed) {
			continue
		}
		for _, key := range c.co.LiveKeys() {
			env, ok := c.co.Get(key)
			if !ok {
				continue
			}
			if _, has := env.Pruning[removed]; !has {
				if p, ok := crdt.AsPruner(env.Data); !ok || !p.NeedsPruningFrom(removed) {
					continue
				}
			}
			c.co.Set(key, env.StripRemoved(removed))
		}
		c.mu.Lock()
		delete(c.performedAt, removed)
		c.tombstoneNodes[removed] = struct{}{}
		c.mu.Unlock()
		c.co.ForgetRemoved(removed)
	}
}

// everyKeyPastInit reports whether no live key's pruning entry for removed
// is still stuck in Init — the gate before tombstoning (spec §4.7 Phase C:
// "has either advanced past Init for R or is not applicable").
func (c *Controller) everyKeyPastInit(removed node.Id) bool {
	for _, key := range c.co.LiveKeys() {
		env, ok := c.co.Get(key)
		if !ok {
			continue
		}
		if st, has := env.Pruning[removed]; has && st.Phase != envelope.PhasePerformed {
			return false
		}
	}
	return true
}

// IsTombstoned reports whether removed has already completed Phase C on
// this node.
func (c *Controller) IsTombstoned(removed node.Id) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tombstoneNodes[removed]
	return ok
}

// Dump renders the controller's removed-node bookkeeping as an aligned
// table, the way the teacher renders ValuesStoreStats (spec §9's
// ambient-stack debug-surface allowance; not a spec operation itself).
func (c *Controller) Dump() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows := [][]string{{"node", "phase"}}
	ids := make([]node.Id, 0, len(c.performedAt)+len(c.tombstoneNodes))
	for id := range c.performedAt {
		ids = append(ids, id)
	}
	for id := range c.tombstoneNodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		if _, ok := c.tombstoneNodes[id]; ok {
			rows = append(rows, []string{id.String(), "tombstoned"})
			continue
		}
		rows = append(rows, []string{id.String(), fmt.Sprintf("performed@%s", c.performedAt[id])})
	}
	return brimtext.Align(rows, nil)
}

// TombstoneCleanup strips every tombstoned node from env's pruning map and
// runs pruningCleanup on its data, absorbing late gossip that still
// references a node this process has already forgotten (spec §4.7 Phase C,
// §4.9's incoming-write path).
func (c *Controller) TombstoneCleanup(env envelope.Envelope) envelope.Envelope {
	c.mu.RLock()
	tombstoned := make([]node.Id, 0, len(c.tombstoneNodes))
	for id := range c.tombstoneNodes {
		tombstoned = append(tombstoned, id)
	}
	c.mu.RUnlock()
	for _, id := range tombstoned {
		env = env.StripRemoved(id)
	}
	return env
}

func sameEnvelope(a, b envelope.Envelope) bool {
	return len(a.Pruning) == len(b.Pruning) && string(a.CanonicalBytes()) == string(b.CanonicalBytes())
}
