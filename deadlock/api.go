package deadlock

import (
	"io"

	internal "github.com/kolkov/deadlockdetector/internal/deadlock/api"
	"github.com/kolkov/deadlockdetector/internal/deadlock/detector"
)

// Init initializes the detector runtime from the process environment.
//
// Calling Init is optional: the first lock operation through a wrapper
// initializes lazily. An explicit call pins down when the environment is
// read. Init is safe to call multiple times; subsequent calls are no-ops.
func Init() {
	internal.Init()
}

// Fini emits the end-of-run summary (locks tracked, orderings recorded,
// cycles reported). Call it at program exit:
//
//	func main() {
//		defer deadlock.Fini()
//		// ...
//	}
func Fini() {
	internal.Fini()
}

// Enable turns detection on after a Disable.
func Enable() {
	internal.Enable()
}

// Disable turns detection off. Wrapped locks keep working as plain
// primitives while disabled. Releases during the disabled window go unseen,
// so locks held across a Disable/Enable pair may be remembered as held
// longer than they were; prefer toggling while no wrapped locks are held.
func Disable() {
	internal.Disable()
}

// Enabled reports whether detection is active.
func Enabled() bool {
	return internal.Enabled()
}

// Cycle describes one reported lock-order cycle.
type Cycle struct {
	// Locks are the participating lock identities in cyclic order. The
	// identities are opaque but stable within a run and match the L<n>
	// labels in the written report.
	Locks []uint64

	// Report is the full formatted report text, as written to the sink.
	Report string
}

// OnPotentialDeadlock installs a callback run once per newly reported
// cycle, after the report has been written. Typical uses: failing a test
// run, or counting occurrences in a metrics system. In abort mode the
// callback runs before the process terminates.
func OnPotentialDeadlock(fn func(Cycle)) {
	if fn == nil {
		internal.SetOnPotentialDeadlock(nil)
		return
	}
	internal.SetOnPotentialDeadlock(func(rep *detector.CycleReport) {
		c := Cycle{Locks: make([]uint64, len(rep.Locks)), Report: rep.Format()}
		for i, id := range rep.Locks {
			c.Locks[i] = uint64(id)
		}
		fn(c)
	})
}

// SetReportSink redirects cycle reports from stderr to w. Diagnostic log
// output is configured separately through DEADLOCK_LOG_FILE.
func SetReportSink(w io.Writer) {
	internal.SetReportSink(w)
}

// Stats is a snapshot of runtime counters.
type Stats struct {
	// LocksTracked is the number of live lock identities.
	LocksTracked int

	// EdgesRecorded is the number of distinct "held while acquiring"
	// orderings observed.
	EdgesRecorded int

	// CyclesReported counts distinct lock-order cycles reported.
	CyclesReported uint64

	// UnorderedReleases counts releases that were not well nested.
	UnorderedReleases uint64

	// UnheldReleases counts releases of locks the releasing goroutine did
	// not hold.
	UnheldReleases uint64
}

// GetStats returns a snapshot of the runtime counters.
func GetStats() Stats {
	s := internal.Stats()
	return Stats{
		LocksTracked:      s.LocksTracked,
		EdgesRecorded:     s.EdgesRecorded,
		CyclesReported:    s.CyclesReported,
		UnorderedReleases: s.UnorderedReleases,
		UnheldReleases:    s.UnheldReleases,
	}
}
