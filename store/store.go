// Package store implements the local entry store (spec §3.3, §4.2): an
// indexed map from key to (envelope, digest) with lifetime-tracked
// subscribers. It is sharded the way the teacher's valuelocmap shards its
// location map, so concurrent Get/Set on unrelated keys don't contend on a
// single lock.
package store

import (
	"crypto/sha1"
	"sync"

	"github.com/gholt/brimutil"
	"github.com/spaolacci/murmur3"

	"github.com/gholt/crdtstore/crdt"
	"github.com/gholt/crdtstore/envelope"
)

// Watcher is a subscriber identity. The store never calls into a Watcher
// except through Notify, so any comparable type works as a key (the engine
// uses its own client-handle type).
type Watcher interface {
	Notify(Notification)
}

// Notification is the closed set of events a subscriber can observe (spec
// §4.2, §6.1 Subscribe).
type Notification interface{ notification() }

// Changed reports a non-deleted value at Key.
type Changed struct {
	Key  string
	Data crdt.Value
}

func (Changed) notification() {}

// DataDeleted reports that Key's entry has become (or already was) the
// Deleted tombstone.
type DataDeleted struct{ Key string }

func (DataDeleted) notification() {}

// Config tunes the store's sharding. Resolved the way the teacher's
// valuelocmap.resolveConfig resolves its config: defaults first, then
// functional options.
type Config struct {
	// Shards is the minimum number of lock shards; it is rounded up to the
	// next power of two the same way the teacher sizes MemValuesPageSize.
	Shards int
}

func resolveConfig(opts ...func(*Config)) *Config {
	cfg := &Config{Shards: 16}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	return cfg
}

// WithShards overrides the default shard count.
func WithShards(n int) func(*Config) {
	return func(c *Config) { c.Shards = n }
}

type entry struct {
	env    envelope.Envelope
	digest string
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]entry
	subs    map[string]map[Watcher]struct{}
}

// Store is the local per-node entry store.
type Store struct {
	shards     []*shard
	shardMask  uint32
	watchersMu sync.Mutex
	// watcherKeys lets Terminate remove a watcher from exactly the shards
	// and keys it is subscribed to, instead of scanning every bucket.
	watcherKeys map[Watcher]map[string]struct{}
}

// New builds a Store, defaulting to 16 shards rounded to a power of two.
func New(opts ...func(*Config)) *Store {
	cfg := resolveConfig(opts...)
	exp := brimutil.PowerOfTwoNeeded(uint64(cfg.Shards))
	n := uint32(1) << exp
	s := &Store{
		shards:      make([]*shard, n),
		shardMask:   n - 1,
		watcherKeys: make(map[Watcher]map[string]struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			entries: make(map[string]entry),
			subs:    make(map[string]map[Watcher]struct{}),
		}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := murmur3.Sum32([]byte(key))
	return s.shards[h&s.shardMask]
}

func digestOf(env envelope.Envelope) string {
	if crdt.IsDeleted(env.Data) {
		return ""
	}
	sum := sha1.Sum(env.CanonicalBytes())
	return string(sum[:])
}

// Get returns the stored envelope for key, or false if the key has never
// been written locally (spec §4.2 get(k)).
func (s *Store) Get(key string) (envelope.Envelope, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[key]
	if !ok {
		return envelope.Envelope{}, false
	}
	return e.env, true
}

// Digest returns the stored digest for key (the empty string for a Deleted
// entry, or if key has never been written).
func (s *Store) Digest(key string) string {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.entries[key].digest
}

// Digests returns every locally stored key's digest, the input to a gossip
// Status exchange (spec §4.6).
func (s *Store) Digests() map[string]string {
	out := make(map[string]string)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, e := range sh.entries {
			out[k] = e.digest
		}
		sh.mu.RUnlock()
	}
	return out
}

// Set stores env at key, recomputing its digest, and notifies subscribers
// of key iff the digest changed (spec §4.2 set(k, env)).
func (s *Store) Set(key string, env envelope.Envelope) {
	sh := s.shardFor(key)
	digest := digestOf(env)

	sh.mu.Lock()
	prev, existed := sh.entries[key]
	changed := !existed || prev.digest != digest
	sh.entries[key] = entry{env: env, digest: digest}
	var watchers []Watcher
	if changed {
		for w := range sh.subs[key] {
			watchers = append(watchers, w)
		}
	}
	sh.mu.Unlock()

	if !changed {
		return
	}
	notifyAll(watchers, key, env)
}

func notifyAll(watchers []Watcher, key string, env envelope.Envelope) {
	var n Notification
	if crdt.IsDeleted(env.Data) {
		n = DataDeleted{Key: key}
	} else {
		n = Changed{Key: key, Data: env.Data}
	}
	for _, w := range watchers {
		w.Notify(n)
	}
}

// ListLiveKeys returns every key whose data is not Deleted (spec §4.2
// listLiveKeys, §6.1 GetKeys).
func (s *Store) ListLiveKeys() []string {
	var keys []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, e := range sh.entries {
			if !crdt.IsDeleted(e.env.Data) {
				keys = append(keys, k)
			}
		}
		sh.mu.RUnlock()
	}
	return keys
}

// Subscribe registers w for key and returns the entry's current
// notification immediately if one exists (spec §6.1 Subscribe: "Immediate
// Changed / DataDeleted if entry exists").
func (s *Store) Subscribe(key string, w Watcher) (Notification, bool) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	if sh.subs[key] == nil {
		sh.subs[key] = make(map[Watcher]struct{})
	}
	sh.subs[key][w] = struct{}{}
	e, ok := sh.entries[key]
	sh.mu.Unlock()

	s.watchersMu.Lock()
	if s.watcherKeys[w] == nil {
		s.watcherKeys[w] = make(map[string]struct{})
	}
	s.watcherKeys[w][key] = struct{}{}
	s.watchersMu.Unlock()

	if !ok {
		return nil, false
	}
	if crdt.IsDeleted(e.env.Data) {
		return DataDeleted{Key: key}, true
	}
	return Changed{Key: key, Data: e.env.Data}, true
}

// Unsubscribe removes w's subscription to key. If that was w's last
// subscription, lifetime tracking for w stops (spec §4.2).
func (s *Store) Unsubscribe(key string, w Watcher) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	if m := sh.subs[key]; m != nil {
		delete(m, w)
		if len(m) == 0 {
			delete(sh.subs, key)
		}
	}
	sh.mu.Unlock()

	s.watchersMu.Lock()
	if keys := s.watcherKeys[w]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.watcherKeys, w)
		}
	}
	s.watchersMu.Unlock()
}

// Terminate removes w from every key bucket it is subscribed to (spec
// §9: "purged from every key bucket in O(buckets containing subscriber)"),
// driven by a watcher-terminated cluster signal (spec §6.4).
func (s *Store) Terminate(w Watcher) {
	s.watchersMu.Lock()
	keys := s.watcherKeys[w]
	delete(s.watcherKeys, w)
	s.watchersMu.Unlock()

	for key := range keys {
		sh := s.shardFor(key)
		sh.mu.Lock()
		if m := sh.subs[key]; m != nil {
			delete(m, w)
			if len(m) == 0 {
				delete(sh.subs, key)
			}
		}
		sh.mu.Unlock()
	}
}
