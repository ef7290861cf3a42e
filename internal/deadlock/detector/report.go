package detector

import (
	"fmt"
	"strings"

	"github.com/kolkov/deadlockdetector/internal/deadlock/lockgraph"
	"github.com/kolkov/deadlockdetector/internal/deadlock/sitedepot"
)

// CycleEdge is one edge of a reported cycle, with the metadata a reader
// needs to find the two acquisitions in the host program.
type CycleEdge struct {
	// Pred was held while Succ was acquired.
	Pred lockgraph.LockID
	Succ lockgraph.LockID

	// PredSite and SuccSite are site depot handles for the acquisitions of
	// the two locks, from the observation that recorded this edge.
	PredSite uint64
	SuccSite uint64

	// Goroutine exhibited the ordering.
	Goroutine int64
}

// CycleReport describes one distinct lock-order cycle.
type CycleReport struct {
	// Locks lists the participating lock identities in cyclic order,
	// starting from the smallest identity. The cycle closes from the last
	// entry back to the first.
	Locks []lockgraph.LockID

	// Edges holds one entry per consecutive pair in Locks, including the
	// closing pair.
	Edges []CycleEdge

	// Key is the canonical deduplication key: the lock identities in
	// canonical rotation. Two observations of the same cyclic ordering
	// always produce the same key, regardless of which edge closed the
	// cycle.
	Key string
}

// buildReport assembles a CycleReport from a cycle node path and suppresses
// duplicates.
//
// path is the node sequence [S, ..., P] found by the reachability walk; the
// edge P→S just inserted closes it into a cycle. Called with the runtime
// lock held so edge metadata is read consistently with the insertion.
// Returns nil when this exact cycle (same identities, same cyclic order) was
// already reported.
func (d *Detector) buildReport(path []lockgraph.LockID) *CycleReport {
	nodes := canonicalRotation(path)
	key := cycleKey(nodes)
	if _, dup := d.reportedCycles.LoadOrStore(key, struct{}{}); dup {
		return nil
	}

	rep := &CycleReport{Locks: nodes, Key: key}
	for i := range nodes {
		pred := nodes[i]
		succ := nodes[(i+1)%len(nodes)]
		e, ok := d.graph.EdgeInfo(pred, succ)
		if !ok {
			// Concurrent retirement between the walk and here cannot happen
			// (runtime lock held); a missing edge would mean the walk and
			// the edge table disagree.
			continue
		}
		rep.Edges = append(rep.Edges, CycleEdge{
			Pred:      pred,
			Succ:      succ,
			PredSite:  e.PredSite,
			SuccSite:  e.SuccSite,
			Goroutine: e.Goroutine,
		})
	}
	return rep
}

// emit writes the report to the sink, runs the host hook, and in enforcing
// mode terminates the process. Never called with the runtime lock held: the
// sink may block, and the rest of the program must be able to keep locking
// while a report is written.
func (d *Detector) emit(rep *CycleReport) {
	d.sinkMu.Lock()
	fmt.Fprint(d.sink, rep.Format())
	hook := d.onCycle
	d.sinkMu.Unlock()

	d.cyclesReported.Add(1)
	d.log.Error().
		Str("cycle", rep.Key).
		Int("locks", len(rep.Locks)).
		Msg("potential deadlock: lock-order cycle detected")

	if hook != nil {
		hook(rep)
	}
	if d.mode == ModeAbort {
		d.log.Error().Msg("enforcing mode: aborting")
		d.exit(2)
	}
}

// Format renders the report as the human-readable record written to the
// sink. The identities are opaque but stable within a run; the sites point
// at the host program's acquisition calls.
func (r *CycleReport) Format() string {
	var b strings.Builder
	b.WriteString("==================\n")
	b.WriteString("WARNING: POTENTIAL DEADLOCK\n")
	fmt.Fprintf(&b, "Lock-order cycle among %d locks: %s\n", len(r.Locks), r.cyclePath())
	for _, e := range r.Edges {
		fmt.Fprintf(&b, "\ngoroutine %d held lock L%d, acquired at:\n", e.Goroutine, e.Pred)
		b.WriteString(sitedepot.Lookup(e.PredSite).Format())
		fmt.Fprintf(&b, "while acquiring lock L%d at:\n", e.Succ)
		b.WriteString(sitedepot.Lookup(e.SuccSite).Format())
	}
	b.WriteString("==================\n")
	return b.String()
}

// cyclePath renders "L1 -> L2 -> L3 -> L1".
func (r *CycleReport) cyclePath() string {
	var b strings.Builder
	for _, id := range r.Locks {
		fmt.Fprintf(&b, "L%d -> ", id)
	}
	fmt.Fprintf(&b, "L%d", r.Locks[0])
	return b.String()
}

// canonicalRotation rotates the cycle node sequence so the smallest identity
// comes first, preserving cyclic order. This makes the same cycle produce
// the same sequence no matter which acquisition happened to close it.
func canonicalRotation(path []lockgraph.LockID) []lockgraph.LockID {
	minIdx := 0
	for i, id := range path {
		if id < path[minIdx] {
			minIdx = i
		}
	}
	out := make([]lockgraph.LockID, 0, len(path))
	out = append(out, path[minIdx:]...)
	out = append(out, path[:minIdx]...)
	return out
}

// cycleKey renders a canonical node sequence as the dedup key.
func cycleKey(nodes []lockgraph.LockID) string {
	parts := make([]string, len(nodes))
	for i, id := range nodes {
		parts[i] = fmt.Sprintf("L%d", id)
	}
	return strings.Join(parts, ">")
}
