package detector

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/petermattis/goid"
	"github.com/rs/zerolog"

	"github.com/kolkov/deadlockdetector/internal/deadlock/goroutine"
	"github.com/kolkov/deadlockdetector/internal/deadlock/lockgraph"
	"github.com/kolkov/deadlockdetector/internal/deadlock/sitedepot"
)

// Mode selects what happens when a lock-order cycle is found.
type Mode int

const (
	// ModeReport emits the diagnostic and lets the program continue. This
	// is the default: detection is advisory, not enforcement.
	ModeReport Mode = iota

	// ModeAbort emits the diagnostic and then terminates the process
	// abnormally, producing a crash dump at the moment of the violation.
	ModeAbort
)

// Options configures a Detector. The zero value is usable: report-only mode,
// reports to stderr, real clock, default capacity limits.
type Options struct {
	// Mode selects advisory or enforcing behavior.
	Mode Mode

	// Sink receives cycle reports. Defaults to os.Stderr.
	Sink io.Writer

	// Logger receives runtime diagnostics that are not cycle reports:
	// unordered releases, capacity saturation, lifecycle events.
	Logger zerolog.Logger

	// Clock stamps edge metadata. Defaults to the real clock.
	Clock clockwork.Clock

	// MaxLocks and MaxEdges bound the graph; zero selects the defaults,
	// negative means unlimited.
	MaxLocks int
	MaxEdges int

	// OnPotentialDeadlock, when non-nil, runs after each newly reported
	// cycle. Hosts use it to fail tests or count occurrences. In ModeAbort
	// it runs before the process terminates.
	OnPotentialDeadlock func(*CycleReport)
}

// Stats is a snapshot of detector counters.
type Stats struct {
	// LocksTracked is the number of live lock identities in the registry.
	LocksTracked int

	// EdgesRecorded is the number of distinct lock-order edges in the graph.
	EdgesRecorded int

	// CyclesReported counts distinct cycles reported since start.
	CyclesReported uint64

	// UnorderedReleases counts releases that matched an interior entry of a
	// held-lock stack rather than the top.
	UnorderedReleases uint64

	// UnheldReleases counts releases of locks the releasing goroutine did
	// not hold at all.
	UnheldReleases uint64
}

// Detector is the process-wide deadlock detection runtime.
//
// One long-lived instance serves the whole process. All graph and registry
// mutation is serialized under mu, a raw sync.Mutex: it is never itself
// instrumented and never appears in the graph it protects, which is what
// keeps the runtime from recursing into itself. Held-lock stacks live
// outside mu because each is owned and mutated only by its goroutine.
type Detector struct {
	// mu is the single internal exclusion primitive guarding the graph and
	// the identity registry. Raw primitive: acquiring it must never pass
	// back through the interceptor layer.
	mu    sync.Mutex
	graph *lockgraph.Graph

	mode     Mode
	log      zerolog.Logger
	maxLocks int

	// sinkMu serializes report output so records from concurrent goroutines
	// never interleave.
	sinkMu sync.Mutex
	sink   io.Writer

	onCycle func(*CycleReport)

	// exit terminates the process in ModeAbort. Replaced in tests.
	exit func(code int)

	// stacks maps goroutine ID to its held-lock stack. Entries are created
	// on a goroutine's first acquisition and deleted when its stack drains,
	// so exited goroutines hold nothing here.
	stacks sync.Map // int64 → *goroutine.LockStack

	// reportedCycles suppresses repeat reports: one entry per canonical
	// cycle key ever reported.
	reportedCycles sync.Map // string → struct{}

	// unorderedSeen and unheldSeen flood-control the release diagnostics to
	// one per lock identity.
	unorderedSeen sync.Map // lockgraph.LockID → struct{}
	unheldSeen    sync.Map // lockgraph.LockID → struct{}

	lockSatOnce sync.Once
	edgeSatOnce sync.Once

	cyclesReported    atomic.Uint64
	unorderedReleases atomic.Uint64
	unheldReleases    atomic.Uint64
}

// New constructs a Detector from opts, filling in defaults for any zero
// field.
func New(opts Options) *Detector {
	if opts.Sink == nil {
		opts.Sink = os.Stderr
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	maxLocks := opts.MaxLocks
	switch {
	case maxLocks == 0:
		maxLocks = lockgraph.DefaultMaxLocks
	case maxLocks < 0:
		maxLocks = 0
	}
	maxEdges := opts.MaxEdges
	switch {
	case maxEdges == 0:
		maxEdges = lockgraph.DefaultMaxEdges
	case maxEdges < 0:
		maxEdges = 0
	}
	return &Detector{
		graph:    lockgraph.New(opts.Clock, maxLocks, maxEdges),
		mode:     opts.Mode,
		log:      opts.Logger,
		maxLocks: maxLocks,
		sink:     opts.Sink,
		onCycle:  opts.OnPotentialDeadlock,
		exit:     func(code int) { os.Exit(code) },
	}
}

// OnAcquire records that the current goroutine is acquiring the lock at
// addr, updates the lock-order graph, and reports any newly closed cycles.
//
// The interceptor calls this before the real acquire returns control to the
// host, so a report always describes an ordering the program actually
// exhibited. skip counts stack frames between the host's lock call and this
// function, for acquisition-site capture.
//
// Recursive re-acquisition by the same goroutine bumps the hold count and
// records nothing: no self edge, no false cycle.
//
// When the registry is saturated the acquisition proceeds unmonitored; the
// degradation is announced once.
func (d *Detector) OnAcquire(addr uintptr, skip int) {
	gid := goid.Get()
	st := d.stackFor(gid)
	site := sitedepot.Capture(skip + 1)

	var (
		reports  []*CycleReport
		edgesSat bool
	)
	d.mu.Lock()
	id, ok := d.graph.GetOrCreateID(addr)
	if !ok {
		d.mu.Unlock()
		if st.Empty() {
			// The stack may have been created just for this unmonitored
			// acquisition; drop it again.
			d.stacks.Delete(gid)
		}
		d.lockSatOnce.Do(func() {
			d.log.Warn().
				Int("max_locks", d.maxLocks).
				Msg("lock registry saturated; new locks are no longer monitored")
		})
		return
	}
	if st.Reacquire(id) {
		d.mu.Unlock()
		return
	}
	for _, held := range st.Snapshot() {
		if !d.graph.Known(held.ID) {
			// The lock was destroyed while this goroutine still held it.
			// Its identity is retired; an edge from it would recreate the
			// history the retirement purged.
			continue
		}
		inserted, stored := d.graph.RecordEdge(held.ID, id, held.Site, site, gid)
		if !stored {
			edgesSat = true
			continue
		}
		if !inserted {
			continue
		}
		// A new edge held.ID→id closes a cycle iff id already reaches
		// held.ID. The path plus the new edge is the full cycle.
		path, found := d.graph.PathFrom(id, held.ID)
		if !found {
			continue
		}
		if rep := d.buildReport(path); rep != nil {
			reports = append(reports, rep)
		}
	}
	st.Push(id, site)
	d.mu.Unlock()

	if edgesSat {
		d.edgeSatOnce.Do(func() {
			d.log.Warn().Msg("lock-order edge table saturated; new orderings are no longer recorded")
		})
	}
	for _, rep := range reports {
		d.emit(rep)
	}
}

// OnRelease records that the current goroutine is releasing the lock at
// addr and pops it from the goroutine's held stack.
//
// A release that is not well nested is tolerated: an interior match is
// removed without disturbing the surrounding holds, and the suspicious usage
// is reported once per lock identity. A release of a lock the goroutine does
// not hold leaves all state untouched and is likewise reported once.
func (d *Detector) OnRelease(addr uintptr) {
	gid := goid.Get()

	d.mu.Lock()
	id, tracked := d.graph.LookupID(addr)
	d.mu.Unlock()
	if !tracked {
		// Acquired before initialization or after saturation; it was never
		// monitored, so there is nothing to pop.
		return
	}

	v, hasStack := d.stacks.Load(gid)
	if !hasStack {
		// Tracked lock, but this goroutine holds nothing at all. Count it
		// with the unheld releases so the misuse is not silent.
		d.reportUnheld(id, gid)
		return
	}
	st := v.(*goroutine.LockStack)

	switch st.Pop(id) {
	case goroutine.PopOrdered, goroutine.PopRecursive:
	case goroutine.PopUnordered:
		d.unorderedReleases.Add(1)
		if _, seen := d.unorderedSeen.LoadOrStore(id, struct{}{}); !seen {
			d.log.Warn().
				Uint64("lock", uint64(id)).
				Int64("goroutine", gid).
				Msg("unordered release: lock released while later acquisitions still held")
		}
	case goroutine.PopNotHeld:
		d.reportUnheld(id, gid)
	}
	if st.Empty() {
		d.stacks.Delete(gid)
	}
}

func (d *Detector) reportUnheld(id lockgraph.LockID, gid int64) {
	d.unheldReleases.Add(1)
	if _, seen := d.unheldSeen.LoadOrStore(id, struct{}{}); !seen {
		d.log.Warn().
			Uint64("lock", uint64(id)).
			Int64("goroutine", gid).
			Msg("release of a lock not held by this goroutine")
	}
}

// OnDestroy retires the lock at addr: its identity leaves the registry and
// every incident edge is purged, so a later lock reusing the same address
// starts with a clean history.
func (d *Detector) OnDestroy(addr uintptr) {
	d.mu.Lock()
	id, ok := d.graph.Retire(addr)
	d.mu.Unlock()
	if ok {
		d.log.Debug().Uint64("lock", uint64(id)).Msg("lock retired")
	}
}

// SetOnPotentialDeadlock installs or replaces the per-cycle host callback.
func (d *Detector) SetOnPotentialDeadlock(fn func(*CycleReport)) {
	d.sinkMu.Lock()
	d.onCycle = fn
	d.sinkMu.Unlock()
}

// SetSink redirects cycle reports to w.
func (d *Detector) SetSink(w io.Writer) {
	d.sinkMu.Lock()
	d.sink = w
	d.sinkMu.Unlock()
}

// Logger exposes the diagnostic logger, for the runtime's own lifecycle
// messages.
func (d *Detector) Logger() zerolog.Logger {
	return d.log
}

// Stats returns a snapshot of the detector counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	locks := d.graph.LockCount()
	edges := d.graph.EdgeCount()
	d.mu.Unlock()
	return Stats{
		LocksTracked:      locks,
		EdgesRecorded:     edges,
		CyclesReported:    d.cyclesReported.Load(),
		UnorderedReleases: d.unorderedReleases.Load(),
		UnheldReleases:    d.unheldReleases.Load(),
	}
}

// stackFor returns the held-lock stack for gid, creating it on first use.
// Only the owning goroutine ever calls this for its own gid, so creation
// cannot race with itself.
func (d *Detector) stackFor(gid int64) *goroutine.LockStack {
	if v, ok := d.stacks.Load(gid); ok {
		return v.(*goroutine.LockStack)
	}
	st := goroutine.NewLockStack(gid)
	d.stacks.Store(gid, st)
	return st
}

// Reset clears all detector state. Test support only; the caller must
// ensure no goroutine is using the detector.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.graph.Reset()
	d.mu.Unlock()
	clearSyncMap(&d.stacks)
	clearSyncMap(&d.reportedCycles)
	clearSyncMap(&d.unorderedSeen)
	clearSyncMap(&d.unheldSeen)
	d.cyclesReported.Store(0)
	d.unorderedReleases.Store(0)
	d.unheldReleases.Store(0)
}

func clearSyncMap(m *sync.Map) {
	m.Range(func(k, _ any) bool {
		m.Delete(k)
		return true
	})
}
