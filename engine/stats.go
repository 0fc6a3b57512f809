package engine

import (
	"fmt"

	"github.com/gholt/brimtext"
)

// Stats is a point-in-time snapshot of one engine's bookkeeping, rendered
// the way the teacher's ValuesStoreStats renders ValueStore internals
// (spec §9's ambient-stack allowance for a debug Stats/Dump surface; this
// is not a spec operation itself).
type Stats struct {
	Self            string
	LiveKeys        int
	Peers           int
	IsLeader        bool
	PendingReadCos  int
	PendingWriteCos int
	QueuedKeys      int
}

// Stats gathers a Stats snapshot by routing through the engine's own
// goroutine, same as every other read (spec §5: only the engine task reads
// its own bookkeeping).
func (e *Engine) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case e.inbox <- statsCmd{reply: reply}:
	case <-e.done:
		return Stats{Self: string(e.self)}
	}
	select {
	case s := <-reply:
		return s
	case <-e.done:
		return Stats{Self: string(e.self)}
	}
}

type statsCmd struct {
	reply chan Stats
}

func (e *Engine) gatherStats() Stats {
	return Stats{
		Self:            string(e.self),
		LiveKeys:        len(e.store.ListLiveKeys()),
		Peers:           len(e.membership.Peers()),
		IsLeader:        e.membership.IsLeader(),
		PendingReadCos:  len(e.readCo),
		PendingWriteCos: len(e.writeCo),
		QueuedKeys:      len(e.pending),
	}
}

// String renders the snapshot as an aligned table, the way the teacher's
// ValuesStoreStats.String renders its fields via brimtext.Align.
func (s Stats) String() string {
	return brimtext.Align([][]string{
		{"self", s.Self},
		{"liveKeys", fmt.Sprintf("%d", s.LiveKeys)},
		{"peers", fmt.Sprintf("%d", s.Peers)},
		{"isLeader", fmt.Sprintf("%t", s.IsLeader)},
		{"pendingReadCoordinators", fmt.Sprintf("%d", s.PendingReadCos)},
		{"pendingWriteCoordinators", fmt.Sprintf("%d", s.PendingWriteCos)},
		{"queuedKeys", fmt.Sprintf("%d", s.QueuedKeys)},
	}, nil)
}
