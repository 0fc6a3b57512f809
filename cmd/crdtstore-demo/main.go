// Command crdtstore-demo runs a handful of in-process replicas over an
// in-memory transport and drives a scripted scenario against them, the
// local-multi-node analogue of the teacher's brimstore-valuesstore
// benchmark harness (brimstore-valuesstore/main.go), generalized from a
// single-node byte-value benchmark to a multi-node CRDT convergence demo.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/gholt/crdtstore/coordinator"
	"github.com/gholt/crdtstore/crdt"
	"github.com/gholt/crdtstore/engine"
	"github.com/gholt/crdtstore/membership"
	"github.com/gholt/crdtstore/node"
	"github.com/gholt/crdtstore/transport"
)

type optsStruct struct {
	Nodes         int    `long:"nodes" default:"3" description:"Number of replicas to run"`
	Key           string `long:"key" default:"demo-counter" description:"Key to increment on every node"`
	Increments    int    `long:"increments" default:"1" description:"Increments per node"`
	GossipRounds  int    `long:"gossip-rounds" default:"4" description:"Gossip ticks to wait for convergence"`
	RemoveNode    int    `long:"remove-node" default:"-1" description:"Index of a node to remove, exercising pruning (-1 disables)"`
	PruningRounds int    `long:"pruning-rounds" default:"3" description:"Pruning ticks to wait after remove-node"`
	Positional    struct {
		Scenario string `name:"scenario" description:"convergence (default) or pruning"`
	} `positional-args:"yes"`
}

var opts optsStruct
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	args := os.Args[1:]
	if _, err := parser.ParseArgs(args); err != nil {
		os.Exit(1)
	}
	if opts.Nodes < 2 {
		opts.Nodes = 2
	}
	scenario := opts.Positional.Scenario
	if scenario == "" {
		scenario = "convergence"
	}

	tr := transport.NewInMemory()
	engines := make([]*engine.Engine, opts.Nodes)
	addrs := make([]node.Addr, opts.Nodes)
	for i := range engines {
		addrs[i] = node.Addr(fmt.Sprintf("node-%d", i))
		engines[i] = engine.New(tr,
			engine.WithSelf(addrs[i]),
			engine.WithGossipInterval(50*time.Millisecond),
			engine.WithPruningInterval(50*time.Millisecond),
			engine.WithMaxPruningDissemination(200*time.Millisecond),
		)
	}
	for i, e := range engines {
		for j, addr := range addrs {
			if i == j {
				continue
			}
			e.ApplyMembership(membership.MemberUp{Member: membership.Member{Addr: addr, Id: engines[j].SelfID()}})
		}
	}
	// node-0 is leader for the demo; a real deployment wires this to its own
	// leader-election oracle (spec §4.8).
	for _, e := range engines {
		e.ApplyMembership(membership.LeaderChanged{Leader: addrs[0]})
	}

	fmt.Printf("%d nodes, key %q, %d increments/node\n", opts.Nodes, opts.Key, opts.Increments)

	begin := time.Now()
	for i, e := range engines {
		id := e.SelfID()
		for n := 0; n < opts.Increments; n++ {
			err := e.Update(opts.Key, coordinator.One, coordinator.One, time.Second, func(current crdt.Value, found bool) (crdt.Value, error) {
				c := crdt.NewGCounter()
				if found {
					c = current.(crdt.GCounter)
				}
				return c.Increment(id, 1), nil
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "node %d update failed: %v\n", i, err)
			}
		}
	}
	fmt.Println(time.Since(begin), "to apply local increments")

	for r := 0; r < opts.GossipRounds; r++ {
		time.Sleep(100 * time.Millisecond)
	}
	reportConvergence(engines, opts.Key)

	if scenario == "pruning" && opts.RemoveNode >= 0 && opts.RemoveNode < opts.Nodes {
		removed := addrs[opts.RemoveNode]
		fmt.Println("removing", removed)
		removedID := engines[opts.RemoveNode].SelfID()
		now := time.Now()
		for i, e := range engines {
			e.ApplyMembership(membership.MemberRemoved{Member: membership.Member{Addr: removed, Id: removedID}})
			if i != opts.RemoveNode {
				e.Tick(now)
			}
		}
		for r := 0; r < opts.PruningRounds; r++ {
			now = now.Add(300 * time.Millisecond)
			for i, e := range engines {
				if i != opts.RemoveNode {
					e.Tick(now)
				}
			}
			time.Sleep(100 * time.Millisecond)
		}
		for i, e := range engines {
			if i == opts.RemoveNode {
				continue
			}
			fmt.Printf("node %d pruning state:\n%s\n", i, e.PruningDump())
		}
	}

	for i, e := range engines {
		if i == opts.RemoveNode {
			continue
		}
		fmt.Printf("node %d stats:\n%s\n", i, e.Stats().String())
	}
}

func reportConvergence(engines []*engine.Engine, key string) {
	for i, e := range engines {
		v, err := e.Get(key, coordinator.One, time.Second)
		if err != nil {
			fmt.Printf("node %d: %v\n", i, err)
			continue
		}
		fmt.Printf("node %d: %s = %d\n", i, key, v.(crdt.GCounter).Value())
	}
}
