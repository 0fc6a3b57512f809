// Package gossip implements the anti-entropy protocol (spec §4.6): a
// periodic tick exchanges key digests with one random peer, and the peer
// replies with up to maxDeltaElements envelopes for whatever looks
// outdated or missing. It follows the teacher's background-task shape: a
// ticker-driven goroutine gated by an enable/disable notify channel
// (pullReplicationState.outNotifyChan in the teacher).
package gossip

import (
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gholt/crdtstore/crdtlog"
	"github.com/gholt/crdtstore/envelope"
	"github.com/gholt/crdtstore/node"
	"github.com/gholt/crdtstore/transport"
)

// Config tunes the gossip tick (spec §6.3).
type Config struct {
	Interval         time.Duration
	MaxDeltaElements int
	Log              crdtlog.Funcs
}

func resolveConfig(opts ...func(*Config)) *Config {
	cfg := &Config{}
	if env := os.Getenv("CRDTSTORE_GOSSIP_INTERVAL_MS"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.Interval = time.Duration(v) * time.Millisecond
		}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if env := os.Getenv("CRDTSTORE_GOSSIP_MAX_DELTA"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.MaxDeltaElements = v
		}
	}
	if cfg.MaxDeltaElements <= 0 {
		cfg.MaxDeltaElements = 1000
	}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.Log = crdtlog.Resolve(cfg.Log)
	return cfg
}

func WithInterval(d time.Duration) func(*Config) { return func(c *Config) { c.Interval = d } }
func WithMaxDeltaElements(n int) func(*Config)   { return func(c *Config) { c.MaxDeltaElements = n } }
func WithLog(l crdtlog.Funcs) func(*Config)      { return func(c *Config) { c.Log = l } }

// Collaborators is the set of callbacks the gossip Engine needs from the
// rest of the node; it never touches the local store directly (spec §5:
// only the engine's own task mutates entry-store state).
type Collaborators struct {
	Self          node.Addr
	Transport     transport.Transport
	Peers         func() []node.Addr
	Digests       func() map[string]string
	Get           func(key string) (envelope.Envelope, bool)
	ApplyIncoming func(key string, env envelope.Envelope)
}

type notification struct {
	enable, disable bool
	done            chan struct{}
}

// Engine drives the periodic Status/Gossip exchange.
type Engine struct {
	cfg   *Config
	co    Collaborators
	rand  *rand.Rand
	mu    sync.Mutex
	notify chan *notification
	stop  chan struct{}
}

// New builds a gossip Engine; call Run to start its background tick.
func New(co Collaborators, opts ...func(*Config)) *Engine {
	return &Engine{
		cfg:    resolveConfig(opts...),
		co:     co,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		notify: make(chan *notification, 1),
		stop:   make(chan struct{}),
	}
}

// Run starts the gossip tick loop; it returns immediately, running the loop
// on its own goroutine until Stop is called.
func (e *Engine) Run() {
	go e.loop()
}

// Stop permanently halts the gossip loop.
func (e *Engine) Stop() {
	close(e.stop)
}

// Disable pauses outgoing gossip ticks until Enable is called, mirroring
// the teacher's DisableOutPullReplication/EnableOutPullReplication pair.
func (e *Engine) Disable() {
	done := make(chan struct{})
	e.notify <- &notification{disable: true, done: done}
	<-done
}

func (e *Engine) Enable() {
	done := make(chan struct{})
	e.notify <- &notification{enable: true, done: done}
	<-done
}

func (e *Engine) loop() {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	disabled := false
	for {
		select {
		case <-e.stop:
			return
		case n := <-e.notify:
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
			e.tick()
		}
	}
}

// tick chooses one random peer and sends it our digests (spec §4.6 step 1).
func (e *Engine) tick() {
	peers := e.co.Peers()
	if len(peers) == 0 {
		return
	}
	e.mu.Lock()
	peer := peers[e.rand.Intn(len(peers))]
	e.mu.Unlock()
	e.co.Transport.Send(e.co.Self, peer, transport.Status{Digests: e.co.Digests()})
}

// HandleStatus answers a peer's digest exchange with up to
// maxDeltaElements envelopes for keys that look outdated or are missing on
// their side (spec §4.6 step 2). Keys the peer has that we lack are never
// requested here; the peer will discover them on its own tick.
func (e *Engine) HandleStatus(from node.Addr, msg transport.Status) {
	ours := e.co.Digests()
	var candidates []string
	for key, ourDigest := range ours {
		theirDigest, present := msg.Digests[key]
		if !present || theirDigest != ourDigest {
			candidates = append(candidates, key)
		}
	}
	if len(candidates) > e.cfg.MaxDeltaElements {
		candidates = candidates[:e.cfg.MaxDeltaElements]
	}
	envelopes := make(map[string]envelope.Envelope, len(candidates))
	for _, key := range candidates {
		if env, ok := e.co.Get(key); ok {
			envelopes[key] = env
		}
	}
	e.co.Transport.Send(e.co.Self, from, transport.Gossip{Envelopes: envelopes})
}

// HandleGossip applies every envelope in msg as a replication write (spec
// §4.6 step 3, §4.9).
func (e *Engine) HandleGossip(msg transport.Gossip) {
	for key, env := range msg.Envelopes {
		e.co.ApplyIncoming(key, env)
	}
}
