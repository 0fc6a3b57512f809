package engine

import (
	"os"
	"strconv"
	"time"

	"github.com/gholt/crdtstore/crdtlog"
	"github.com/gholt/crdtstore/node"
)

// Config aggregates every tunable of the engine and the background
// components it owns, resolved the way the teacher's ValueStoreConfig
// aggregates its subsystems' knobs in one struct (spec §6.3).
type Config struct {
	Self node.Addr
	// Role restricts the peer set to members sharing this role; empty means
	// no filter (spec §6.3). LeaderChanged events are applied as delivered,
	// without a role check.
	Role string

	Shards int

	GossipInterval   time.Duration
	MaxDeltaElements int

	PruningInterval         time.Duration
	MaxPruningDissemination time.Duration

	Log crdtlog.Funcs
}

func resolveConfig(opts ...func(*Config)) *Config {
	cfg := &Config{Shards: 16}

	if v := os.Getenv("CRDTSTORE_GOSSIP_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GossipInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("CRDTSTORE_GOSSIP_MAX_DELTA"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxDeltaElements = n
		}
	}
	if v := os.Getenv("CRDTSTORE_PRUNING_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PruningInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("CRDTSTORE_PRUNING_MAX_DISSEMINATION_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPruningDissemination = time.Duration(n) * time.Millisecond
		}
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.GossipInterval <= 0 {
		cfg.GossipInterval = 2 * time.Second
	}
	if cfg.MaxDeltaElements <= 0 {
		cfg.MaxDeltaElements = 1000
	}
	if cfg.PruningInterval <= 0 {
		cfg.PruningInterval = 30 * time.Second
	}
	if cfg.MaxPruningDissemination <= 0 {
		cfg.MaxPruningDissemination = 60 * time.Second
	}
	cfg.Log = crdtlog.Resolve(cfg.Log)
	return cfg
}

func WithSelf(addr node.Addr) func(*Config)          { return func(c *Config) { c.Self = addr } }
func WithRole(role string) func(*Config)              { return func(c *Config) { c.Role = role } }
func WithShards(n int) func(*Config)                  { return func(c *Config) { c.Shards = n } }
func WithGossipInterval(d time.Duration) func(*Config) {
	return func(c *Config) { c.GossipInterval = d }
}
func WithMaxDeltaElements(n int) func(*Config) { return func(c *Config) { c.MaxDeltaElements = n } }
func WithPruningInterval(d time.Duration) func(*Config) {
	return func(c *Config) { c.PruningInterval = d }
}
func WithMaxPruningDissemination(d time.Duration) func(*Config) {
	return func(c *Config) { c.MaxPruningDissemination = d }
}
func WithLog(l crdtlog.Funcs) func(*Config) { return func(c *Config) { c.Log = l } }
