// Package sitedepot stores and deduplicates acquisition call sites.
//
// Every lock acquisition captures a short program-counter trace of where the
// acquire happened. Hot lock paths re-capture the same site millions of
// times, so sites are interned: each distinct trace is stored once in a
// global depot and referenced by a 64-bit FNV-1a handle. Edge metadata and
// held-lock stacks then carry only the 8-byte handle.
//
// The depot grows with the number of distinct call sites in the program,
// which is bounded by code size, not by execution length.
package sitedepot

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"unsafe"
)

// MaxFrames is the capture depth ceiling. Lock acquisitions are almost
// always explicable within the nearest few frames; 16 leaves room for deep
// wrapper layers without bloating the depot.
const MaxFrames = 16

// defaultDepth is the capture depth when the host does not configure one.
const defaultDepth = 8

var (
	// depot interns Site records by handle. sync.Map: reads dominate once
	// the program's lock sites have been seen once.
	depot sync.Map // uint64 → *Site

	// depth is the configured capture depth, set once at initialization
	// before any capture runs and read-only afterwards.
	depth = defaultDepth
)

// Site is one interned acquisition call site: a fixed-size program-counter
// trace plus the number of valid frames.
type Site struct {
	PC [MaxFrames]uintptr
	N  int
}

// SetDepth configures how many frames Capture records. Called once from
// runtime initialization; clamped to [1, MaxFrames]. Not safe to call after
// captures have started.
func SetDepth(n int) {
	if n < 1 {
		n = 1
	}
	if n > MaxFrames {
		n = MaxFrames
	}
	depth = n
}

// Capture records the current call stack and returns its depot handle.
//
// skip counts frames to drop above the caller, as in runtime.Callers: the
// interceptor layer passes enough to start the trace at the host program's
// Lock call rather than inside the runtime. Returns 0 when no stack is
// available; 0 is never a valid handle.
func Capture(skip int) uint64 {
	var pcs [MaxFrames]uintptr
	n := runtime.Callers(skip+2, pcs[:depth])
	if n == 0 {
		return 0
	}
	h := hashFrames(pcs[:n])
	if _, exists := depot.Load(h); exists {
		return h
	}
	s := &Site{N: n}
	copy(s.PC[:], pcs[:n])
	depot.Store(h, s)
	return h
}

// Lookup returns the interned site for a handle, or nil for the zero handle
// or an unknown one.
func Lookup(handle uint64) *Site {
	if handle == 0 {
		return nil
	}
	v, ok := depot.Load(handle)
	if !ok {
		return nil
	}
	return v.(*Site)
}

// hashFrames computes the FNV-1a hash of the program counters. Inlined
// rather than using hash/fnv to avoid the hash.Hash allocation on a path
// that runs on every acquisition.
func hashFrames(pcs []uintptr) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for _, pc := range pcs {
		b := (*[8]byte)(unsafe.Pointer(&pc))
		for _, c := range b {
			h ^= uint64(c)
			h *= prime64
		}
	}
	return h
}

// Format renders a site as an indented function/file:line listing in the
// style of runtime stack dumps:
//
//	  main.transfer()
//	      /path/to/bank.go:42
//
// Frames from the Go runtime and from the detector's own packages are
// filtered so the report points at the host program. If filtering would
// leave nothing (a site entirely inside the runtime), the unfiltered trace
// is rendered instead: a report must always carry at least one usable
// frame. Used only while formatting a report, never on the acquisition
// path.
func (s *Site) Format() string {
	if s == nil || s.N == 0 {
		return "  (acquisition site unavailable)\n"
	}
	if out := s.format(true); out != "" {
		return out
	}
	if out := s.format(false); out != "" {
		return out
	}
	return "  (acquisition site unavailable)\n"
}

func (s *Site) format(filtered bool) string {
	frames := runtime.CallersFrames(s.PC[:s.N])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		if !filtered || !internalFrame(frame.Function) {
			fmt.Fprintf(&b, "  %s()\n      %s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}

// internalFrame reports whether a function belongs to the runtime, the test
// harness, or the detector itself and should be hidden from reports.
func internalFrame(fn string) bool {
	return fn == "" ||
		strings.HasPrefix(fn, "runtime.") ||
		strings.HasPrefix(fn, "testing.") ||
		strings.Contains(fn, "kolkov/deadlockdetector/internal/") ||
		strings.Contains(fn, "kolkov/deadlockdetector/deadlock.")
}

// Reset drops all interned sites. Test support only.
func Reset() {
	depot.Range(func(k, _ any) bool {
		depot.Delete(k)
		return true
	})
}
