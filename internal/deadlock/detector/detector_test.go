package detector

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kolkov/deadlockdetector/internal/deadlock/lockgraph"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newTestDetector returns a detector wired to a capture buffer, with a
// report counter hook installed.
func newTestDetector(opts Options) (*Detector, *bytes.Buffer, *atomic.Int32) {
	buf := &bytes.Buffer{}
	var reports atomic.Int32
	if opts.Sink == nil {
		opts.Sink = buf
	}
	opts.Logger = zerolog.Nop()
	prev := opts.OnPotentialDeadlock
	opts.OnPotentialDeadlock = func(r *CycleReport) {
		reports.Add(1)
		if prev != nil {
			prev(r)
		}
	}
	return New(opts), buf, &reports
}

// runAs executes fn on a fresh goroutine and waits for it, so each call
// models one thread with its own held-lock stack.
func runAs(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	<-done
}

const (
	addrA = uintptr(0x1000)
	addrB = uintptr(0x2000)
	addrC = uintptr(0x3000)
)

// TestOnAcquire_ConsistentOrderNeverReports verifies that many threads all
// locking A then B produce no report.
func TestOnAcquire_ConsistentOrderNeverReports(t *testing.T) {
	d, _, reports := newTestDetector(Options{})

	for i := 0; i < 10; i++ {
		runAs(func() {
			d.OnAcquire(addrA, 0)
			d.OnAcquire(addrB, 0)
			d.OnRelease(addrB)
			d.OnRelease(addrA)
		})
	}

	assert.Zero(t, reports.Load())
	assert.Zero(t, d.Stats().CyclesReported)
}

// TestOnAcquire_CrossOrderReportedExactlyOnce verifies the AB/BA scenario
// reports one cycle, and that a hot path re-triggering the same ordering
// does not flood.
func TestOnAcquire_CrossOrderReportedExactlyOnce(t *testing.T) {
	d, buf, reports := newTestDetector(Options{})

	runAs(func() {
		d.OnAcquire(addrA, 0)
		d.OnAcquire(addrB, 0) // edge A→B
		d.OnRelease(addrB)
		d.OnRelease(addrA)
	})
	runAs(func() {
		d.OnAcquire(addrB, 0)
		d.OnAcquire(addrA, 0) // edge B→A closes the cycle
		d.OnRelease(addrA)
		d.OnRelease(addrB)
	})

	require.Equal(t, int32(1), reports.Load(), "cycle not reported")
	assert.Contains(t, buf.String(), "WARNING: POTENTIAL DEADLOCK")

	// Same ordering in a tight loop: suppressed.
	for i := 0; i < 100; i++ {
		runAs(func() {
			d.OnAcquire(addrA, 0)
			d.OnAcquire(addrB, 0)
			d.OnRelease(addrB)
			d.OnRelease(addrA)
		})
		runAs(func() {
			d.OnAcquire(addrB, 0)
			d.OnAcquire(addrA, 0)
			d.OnRelease(addrA)
			d.OnRelease(addrB)
		})
	}
	assert.Equal(t, int32(1), reports.Load(), "duplicate cycle reports")
	assert.Equal(t, 1, strings.Count(buf.String(), "WARNING: POTENTIAL DEADLOCK"))
}

// TestOnAcquire_ThreeLockCycle verifies the (A,B) (B,C) (C,A) scenario
// reports one three-lock cycle with a usable site on every edge.
func TestOnAcquire_ThreeLockCycle(t *testing.T) {
	var captured *CycleReport
	d, buf, reports := newTestDetector(Options{
		OnPotentialDeadlock: func(r *CycleReport) { captured = r },
	})

	runAs(func() {
		d.OnAcquire(addrA, 0)
		d.OnAcquire(addrB, 0)
		d.OnRelease(addrB)
		d.OnRelease(addrA)
	})
	runAs(func() {
		d.OnAcquire(addrB, 0)
		d.OnAcquire(addrC, 0)
		d.OnRelease(addrC)
		d.OnRelease(addrB)
	})
	runAs(func() {
		d.OnAcquire(addrC, 0)
		d.OnAcquire(addrA, 0)
		d.OnRelease(addrA)
		d.OnRelease(addrC)
	})

	require.Equal(t, int32(1), reports.Load())
	require.NotNil(t, captured)
	assert.Len(t, captured.Locks, 3)
	require.Len(t, captured.Edges, 3)
	for _, e := range captured.Edges {
		assert.NotZero(t, e.PredSite, "edge %d→%d lacks a predecessor site", e.Pred, e.Succ)
		assert.NotZero(t, e.SuccSite, "edge %d→%d lacks a successor site", e.Pred, e.Succ)
	}
	// The written record must carry source locations for the sites.
	assert.Contains(t, buf.String(), ".go:")
}

// TestOnAcquire_RecursiveAcquisition verifies re-acquiring a held lock
// records no self edge and triggers no report.
func TestOnAcquire_RecursiveAcquisition(t *testing.T) {
	d, _, reports := newTestDetector(Options{})

	runAs(func() {
		d.OnAcquire(addrA, 0)
		d.OnAcquire(addrA, 0) // recursive
		d.OnAcquire(addrB, 0)
		d.OnRelease(addrB)
		d.OnRelease(addrA)
		d.OnRelease(addrA)
	})

	assert.Zero(t, reports.Load())
	// Only the A→B ordering may exist; no self edge.
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, 1, d.graph.EdgeCount())
	a, _ := d.graph.LookupID(addrA)
	if _, ok := d.graph.EdgeInfo(a, a); ok {
		t.Error("recursive acquisition recorded a self edge")
	}
}

// TestOnRelease_InteriorReleaseKeepsTracking verifies that releasing a lock
// that is second-from-top leaves the remaining holds tracked correctly.
func TestOnRelease_InteriorReleaseKeepsTracking(t *testing.T) {
	d, _, _ := newTestDetector(Options{})

	runAs(func() {
		d.OnAcquire(addrA, 0)
		d.OnAcquire(addrB, 0)
		d.OnRelease(addrA) // interior: A is below B
		d.OnAcquire(addrC, 0)
		d.OnRelease(addrC)
		d.OnRelease(addrB)
	})

	s := d.Stats()
	assert.Equal(t, uint64(1), s.UnorderedReleases)

	// After the interior release only B was held, so C's acquisition must
	// have recorded B→C and nothing from A.
	d.mu.Lock()
	defer d.mu.Unlock()
	a, _ := d.graph.LookupID(addrA)
	b, _ := d.graph.LookupID(addrB)
	c, _ := d.graph.LookupID(addrC)
	_, hasAB := d.graph.EdgeInfo(a, b)
	_, hasBC := d.graph.EdgeInfo(b, c)
	_, hasAC := d.graph.EdgeInfo(a, c)
	assert.True(t, hasAB, "missing edge A→B")
	assert.True(t, hasBC, "missing edge B→C")
	assert.False(t, hasAC, "phantom edge A→C from a released lock")
}

// TestOnRelease_UnheldLock verifies releasing a lock the goroutine does not
// hold is counted and harmless.
func TestOnRelease_UnheldLock(t *testing.T) {
	d, _, _ := newTestDetector(Options{})

	runAs(func() {
		d.OnAcquire(addrA, 0)
		d.OnRelease(addrB) // B was never acquired, so it is untracked
		d.OnRelease(addrA)
	})
	// B was never registered, so the release is the untracked case and no
	// counter moves.
	assert.Zero(t, d.Stats().UnheldReleases)

	runAs(func() {
		d.OnAcquire(addrB, 0)
		d.OnRelease(addrB)
		d.OnRelease(addrB) // second release of a known lock
	})
	assert.Equal(t, uint64(1), d.Stats().UnheldReleases)
}

// TestOnDestroy_PurgesAndAddressReuse verifies retirement purges history
// and that reusing the addresses in the opposite order afterwards does not
// resurrect a cycle.
func TestOnDestroy_PurgesAndAddressReuse(t *testing.T) {
	d, _, reports := newTestDetector(Options{})

	runAs(func() {
		d.OnAcquire(addrA, 0)
		d.OnAcquire(addrB, 0) // edge A→B
		d.OnRelease(addrB)
		d.OnRelease(addrA)
	})
	d.OnDestroy(addrA)
	d.OnDestroy(addrB)

	d.mu.Lock()
	edges := d.graph.EdgeCount()
	locks := d.graph.LockCount()
	d.mu.Unlock()
	require.Zero(t, edges, "edges survived retirement")
	require.Zero(t, locks, "identities survived retirement")

	// Unrelated locks at the recycled addresses, acquired B-then-A: without
	// the purge this would falsely close the old A→B edge into a cycle.
	runAs(func() {
		d.OnAcquire(addrB, 0)
		d.OnAcquire(addrA, 0)
		d.OnRelease(addrA)
		d.OnRelease(addrB)
	})
	assert.Zero(t, reports.Load(), "stale edges resurrected after address reuse")
}

// TestOnDestroy_WhileHeldSeedsNoEdges verifies that a lock destroyed while
// its holder is still running cannot contribute new edges: the stale entry
// on the holder's stack is skipped, so acquisitions that follow record
// nothing from the retired identity.
func TestOnDestroy_WhileHeldSeedsNoEdges(t *testing.T) {
	d, _, reports := newTestDetector(Options{})

	runAs(func() {
		d.OnAcquire(addrA, 0)
		d.OnDestroy(addrA) // misuse: A is still held
		d.OnAcquire(addrB, 0)
		d.OnRelease(addrB)
		d.OnRelease(addrA)
	})

	d.mu.Lock()
	edges := d.graph.EdgeCount()
	d.mu.Unlock()
	assert.Zero(t, edges, "retired identity seeded an edge")
	assert.Zero(t, reports.Load())
}

// TestAbortMode_TerminatesAfterReport verifies enforcing mode calls the
// process-exit path once the diagnostic has been written.
func TestAbortMode_TerminatesAfterReport(t *testing.T) {
	d, buf, _ := newTestDetector(Options{Mode: ModeAbort})

	var exitCode atomic.Int32
	var reportLenAtExit atomic.Int32
	exitCode.Store(-1)
	d.exit = func(code int) {
		exitCode.Store(int32(code))
		reportLenAtExit.Store(int32(buf.Len()))
	}

	runAs(func() {
		d.OnAcquire(addrA, 0)
		d.OnAcquire(addrB, 0)
		d.OnRelease(addrB)
		d.OnRelease(addrA)
	})
	runAs(func() {
		d.OnAcquire(addrB, 0)
		d.OnAcquire(addrA, 0)
		d.OnRelease(addrA)
		d.OnRelease(addrB)
	})

	assert.Equal(t, int32(2), exitCode.Load(), "abort path not taken")
	assert.Positive(t, reportLenAtExit.Load(), "aborted before the diagnostic was written")
}

// TestOnAcquire_LockSaturation verifies the registry degrades gracefully:
// locks past the cap go unmonitored, tracked ones keep working.
func TestOnAcquire_LockSaturation(t *testing.T) {
	d, _, reports := newTestDetector(Options{MaxLocks: 2})

	runAs(func() {
		d.OnAcquire(addrA, 0)
		d.OnAcquire(addrB, 0)
		d.OnAcquire(addrC, 0) // over cap: unmonitored
		d.OnRelease(addrC)
		d.OnRelease(addrB)
		d.OnRelease(addrA)
	})

	s := d.Stats()
	assert.Equal(t, 2, s.LocksTracked)
	assert.Zero(t, reports.Load())
}

// TestCrossOrder_ConcurrentTightLoop verifies the dedup property under real
// concurrency: two lock orders hammered from many goroutines still produce
// exactly one report.
func TestCrossOrder_ConcurrentTightLoop(t *testing.T) {
	d, _, reports := newTestDetector(Options{Sink: io.Discard})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				d.OnAcquire(addrA, 0)
				d.OnAcquire(addrB, 0)
				d.OnRelease(addrB)
				d.OnRelease(addrA)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				d.OnAcquire(addrB, 0)
				d.OnAcquire(addrA, 0)
				d.OnRelease(addrA)
				d.OnRelease(addrB)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), reports.Load(),
		"expected exactly one report for one distinct cycle")
}

// TestStacks_DiscardedWhenDrained verifies a goroutine's stack entry leaves
// the map once it holds nothing.
func TestStacks_DiscardedWhenDrained(t *testing.T) {
	d, _, _ := newTestDetector(Options{})

	runAs(func() {
		d.OnAcquire(addrA, 0)
		d.OnRelease(addrA)
	})

	count := 0
	d.stacks.Range(func(_, _ any) bool {
		count++
		return true
	})
	assert.Zero(t, count, "drained stacks were not discarded")
}

// TestBuildReport_CanonicalDedup verifies the same cyclic order produces
// one canonical key no matter which edge closed it.
func TestBuildReport_CanonicalDedup(t *testing.T) {
	d, _, _ := newTestDetector(Options{})
	path1 := []lockgraph.LockID{3, 1, 2} // closed at 2→3
	path2 := []lockgraph.LockID{1, 2, 3} // closed at 3→1

	assert.Equal(t, cycleKey(canonicalRotation(path1)), cycleKey(canonicalRotation(path2)))

	d.mu.Lock()
	rep := d.buildReport(path1)
	dup := d.buildReport(path2)
	d.mu.Unlock()
	require.NotNil(t, rep)
	assert.Nil(t, dup, "rotated duplicate was not suppressed")
}
