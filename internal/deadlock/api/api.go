// Package api holds the global deadlock runtime state and the entry points
// the interceptor layer calls on every lock operation.
//
// The runtime is a process singleton: one detector instance, initialized
// before first use and torn down (summarized) at process exit through Fini.
// Entry points are safe to call at any time, including before explicit
// initialization: the first call initializes lazily from the environment,
// and a disabled runtime falls through to the real primitive with a single
// atomic load of overhead.
package api

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kolkov/deadlockdetector/internal/deadlock/detector"
	"github.com/kolkov/deadlockdetector/internal/deadlock/sitedepot"
)

var (
	// enabled gates every entry point. Checked first so a disabled runtime
	// costs one atomic load per lock operation.
	enabled atomic.Bool

	// det is the process-wide detector instance. Written once during
	// initialize, before enabled is set, so entry points that observe
	// enabled always observe a complete detector.
	det *detector.Detector

	initOnce sync.Once
)

// Init initializes the runtime from the process environment. Safe to call
// multiple times; only the first call does work. Entry points initialize
// lazily, so an explicit Init is only needed to control when the
// environment is read.
func Init() {
	initOnce.Do(initialize)
}

func initialize() {
	cfg := FromEnv()
	if cfg.StackDepth > 0 {
		sitedepot.SetDepth(cfg.StackDepth)
	}
	logger := newLogger(cfg)
	det = detector.New(detector.Options{
		Mode:     cfg.Mode,
		Logger:   logger,
		MaxLocks: cfg.MaxLocks,
		MaxEdges: cfg.MaxEdges,
	})
	enabled.Store(cfg.Enabled)
	if cfg.Enabled {
		logger.Info().
			Bool("enforcing", cfg.Mode == detector.ModeAbort).
			Msg("deadlock detector enabled")
	}
}

// newLogger builds the diagnostic logger. Default destination is stderr;
// with DEADLOCK_LOG_FILE set, diagnostics go to a size-rotated file so a
// long-running host cannot fill the disk.
func newLogger(cfg Config) zerolog.Logger {
	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    32, // MB
			MaxBackups: 3,
		}
	}
	return zerolog.New(w).With().Timestamp().Str("component", "deadlock").Logger()
}

// Fini emits the end-of-run summary. Call at process exit; a disabled or
// never-initialized runtime makes it a no-op.
func Fini() {
	if det == nil || !enabled.Load() {
		return
	}
	s := det.Stats()
	log := det.Logger()
	ev := log.Info().
		Int("locks", s.LocksTracked).
		Int("edges", s.EdgesRecorded).
		Uint64("cycles", s.CyclesReported)
	if s.UnorderedReleases > 0 {
		ev = ev.Uint64("unordered_releases", s.UnorderedReleases)
	}
	ev.Msg("deadlock detector summary")
}

// Enable turns interception back on after a Disable. The runtime must have
// been initialized (lazily or explicitly) first.
func Enable() {
	Init()
	enabled.Store(true)
}

// Disable turns interception off. Locks acquired while disabled are not
// tracked; releasing them later is handled as an untracked release. Locks
// held at the moment of the call stay on their goroutines' stacks, and
// releases during the disabled window go unseen, so after a re-enable those
// stale holds can contribute orderings for locks no longer held. Toggle at
// quiescent points.
func Disable() {
	enabled.Store(false)
}

// Enabled reports whether interception is active.
func Enabled() bool {
	return enabled.Load()
}

// BeforeLock is the interceptor entry point for a lock acquisition. Called
// before the real primitive acquires, so the ordering is recorded and
// checked no matter how long the real acquire blocks. skip counts frames
// between the host's lock call and this function.
func BeforeLock(addr uintptr, skip int) {
	Init()
	if !enabled.Load() {
		return
	}
	det.OnAcquire(addr, skip+1)
}

// AfterUnlock is the interceptor entry point for a lock release.
func AfterUnlock(addr uintptr) {
	Init()
	if !enabled.Load() {
		return
	}
	det.OnRelease(addr)
}

// Destroy retires the lock identity at addr and purges its ordering
// history. Call when a lock object's lifetime ends and its memory may be
// reused.
func Destroy(addr uintptr) {
	Init()
	if !enabled.Load() {
		return
	}
	det.OnDestroy(addr)
}

// SetOnPotentialDeadlock installs a host callback run once per newly
// reported cycle.
func SetOnPotentialDeadlock(fn func(*detector.CycleReport)) {
	Init()
	det.SetOnPotentialDeadlock(fn)
}

// SetReportSink redirects cycle reports. The default sink is stderr.
func SetReportSink(w io.Writer) {
	Init()
	det.SetSink(w)
}

// Stats returns a snapshot of the runtime counters.
func Stats() detector.Stats {
	Init()
	return det.Stats()
}
