package lockgraph

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Default capacity limits. Both can be raised or lowered through the
// environment at initialization; zero means unlimited.
const (
	// DefaultMaxLocks bounds the number of distinct lock identities tracked.
	// Real programs rarely exceed a few thousand live locks; the bound
	// exists so a pathological host (locks in a hot allocation path without
	// Destroy) degrades instead of growing without limit.
	DefaultMaxLocks = 16384

	// DefaultMaxEdges bounds the number of distinct lock-order edges. Edge
	// count grows with observed lock nesting, not with acquisition rate, so
	// this is generous for any realistic program.
	DefaultMaxEdges = 262144
)

// Edge is one observed "held while acquiring" relationship: some goroutine
// held Pred at the moment it acquired Succ.
//
// An edge is inserted at most once in canonical (Pred, Succ) form. Repeated
// observations refresh the metadata to the most recent sighting but never
// duplicate graph structure.
type Edge struct {
	// Pred is the lock that was already held.
	Pred LockID

	// Succ is the lock that was being acquired.
	Succ LockID

	// PredSite and SuccSite are site depot handles for the acquisition call
	// sites of the two locks, captured from the most recent observation.
	PredSite uint64
	SuccSite uint64

	// Goroutine is the goroutine that most recently exhibited the ordering.
	Goroutine int64

	// Seq is the global insertion/refresh sequence number. Seq values give a
	// total order over observations without relying on the wall clock.
	Seq uint64

	// At is the wall-clock time of the most recent observation.
	At time.Time
}

type edgeKey struct {
	pred, succ LockID
}

// Graph is the process-wide lock-order graph plus the identity registry.
//
// The zero value is not usable; construct with New. Graph is not
// self-synchronized: the detector's runtime lock guards all access (see the
// package documentation).
type Graph struct {
	clock clockwork.Clock

	// Identity registry.
	byAddr map[uintptr]*lockNode
	byID   map[LockID]*lockNode
	nextID uint64

	// Edge set, keyed on the canonical (pred, succ) pair, plus the adjacency
	// index used by reachability walks.
	edges map[edgeKey]*Edge
	succs map[LockID][]LockID

	seq uint64

	maxLocks int
	maxEdges int
}

// New constructs an empty graph.
//
// The clock stamps edge metadata; pass clockwork.NewRealClock() in
// production and a fake clock in tests. maxLocks and maxEdges of zero mean
// unlimited.
func New(clock clockwork.Clock, maxLocks, maxEdges int) *Graph {
	return &Graph{
		clock:    clock,
		byAddr:   make(map[uintptr]*lockNode),
		byID:     make(map[LockID]*lockNode),
		edges:    make(map[edgeKey]*Edge),
		succs:    make(map[LockID][]LockID),
		maxLocks: maxLocks,
		maxEdges: maxEdges,
	}
}

// RecordEdge inserts or refreshes the edge pred→succ.
//
// The first return reports whether the edge is new graph structure; only a
// newly inserted edge can close a new cycle, so the detector runs its
// reachability check exactly when inserted is true. The second return is
// false when the edge table is saturated and the observation was dropped.
//
// Self edges are rejected outright: a recursive re-acquisition never reaches
// this point in a correct caller, and even a buggy one must not be able to
// seed a trivial one-node cycle.
func (g *Graph) RecordEdge(pred, succ LockID, predSite, succSite uint64, gid int64) (inserted, ok bool) {
	if pred == succ || pred == NoLock || succ == NoLock {
		return false, true
	}
	g.seq++
	k := edgeKey{pred: pred, succ: succ}
	if e, exists := g.edges[k]; exists {
		// Known ordering: refresh metadata only.
		e.PredSite = predSite
		e.SuccSite = succSite
		e.Goroutine = gid
		e.Seq = g.seq
		e.At = g.clock.Now()
		return false, true
	}
	if g.maxEdges > 0 && len(g.edges) >= g.maxEdges {
		return false, false
	}
	g.edges[k] = &Edge{
		Pred:      pred,
		Succ:      succ,
		PredSite:  predSite,
		SuccSite:  succSite,
		Goroutine: gid,
		Seq:       g.seq,
		At:        g.clock.Now(),
	}
	g.succs[pred] = append(g.succs[pred], succ)
	return true, true
}

// EdgeInfo returns a copy of the metadata for the edge pred→succ.
func (g *Graph) EdgeInfo(pred, succ LockID) (Edge, bool) {
	e, ok := g.edges[edgeKey{pred: pred, succ: succ}]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// PathFrom searches for a directed path from one lock to another through the
// recorded edges and returns the node sequence [from, ..., to].
//
// The walk is an iterative depth-first search with an explicit visited set.
// The visited set is what keeps the walk bounded on structure that already
// contains cycles (previously reported orderings stay in the graph forever).
// Lock graphs in real programs are shallow and sparse, so no depth cutoff is
// applied.
func (g *Graph) PathFrom(from, to LockID) ([]LockID, bool) {
	if from == to {
		return []LockID{from}, true
	}
	visited := map[LockID]bool{from: true}
	parent := map[LockID]LockID{}
	stack := []LockID{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.succs[n] {
			if visited[next] {
				continue
			}
			visited[next] = true
			parent[next] = n
			if next == to {
				return g.buildPath(parent, from, to), true
			}
			stack = append(stack, next)
		}
	}
	return nil, false
}

// buildPath reconstructs the node sequence from the parent links left behind
// by PathFrom.
func (g *Graph) buildPath(parent map[LockID]LockID, from, to LockID) []LockID {
	var rev []LockID
	for n := to; ; n = parent[n] {
		rev = append(rev, n)
		if n == from {
			break
		}
	}
	path := make([]LockID, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		path = append(path, rev[i])
	}
	return path
}

// purgeIncident removes every edge that references id as predecessor or
// successor. Called from Retire with the detector lock held.
func (g *Graph) purgeIncident(id LockID) {
	for k := range g.edges {
		if k.pred != id && k.succ != id {
			continue
		}
		delete(g.edges, k)
	}
	delete(g.succs, id)
	for pred, list := range g.succs {
		kept := list[:0]
		for _, s := range list {
			if s != id {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(g.succs, pred)
			continue
		}
		g.succs[pred] = kept
	}
}

// EdgeCount returns the number of distinct edges currently recorded.
func (g *Graph) EdgeCount() int {
	return len(g.edges)
}

// Reset clears all identities and edges. Test support only; the caller must
// ensure no concurrent use.
func (g *Graph) Reset() {
	g.byAddr = make(map[uintptr]*lockNode)
	g.byID = make(map[LockID]*lockNode)
	g.edges = make(map[edgeKey]*Edge)
	g.succs = make(map[LockID][]LockID)
	g.nextID = 0
	g.seq = 0
}
