package deadlock

import (
	"sync"
	"unsafe"

	internal "github.com/kolkov/deadlockdetector/internal/deadlock/api"
)

// A Mutex is a drop-in replacement for sync.Mutex whose acquisitions and
// releases are observed by the deadlock detector.
//
// The zero value is an unlocked mutex ready for use. The wrapper never
// changes locking semantics: the real primitive is always acquired and
// released exactly as it would be without the detector, and a disabled
// detector costs one atomic load per operation.
//
// A Mutex must not be copied after first use.
type Mutex struct {
	mu sync.Mutex
}

// Lock locks m.
//
// The lock ordering is recorded and checked before the real acquire, so a
// cycle is reported even if this call then blocks forever on the actual
// deadlock it predicted.
func (m *Mutex) Lock() {
	internal.BeforeLock(uintptr(unsafe.Pointer(m)), 1)
	m.mu.Lock()
}

// TryLock tries to lock m and reports whether it succeeded. A failed
// attempt records nothing: no lock was held, so no ordering was exhibited.
func (m *Mutex) TryLock() bool {
	if !m.mu.TryLock() {
		return false
	}
	internal.BeforeLock(uintptr(unsafe.Pointer(m)), 1)
	return true
}

// Unlock unlocks m.
func (m *Mutex) Unlock() {
	m.mu.Unlock()
	internal.AfterUnlock(uintptr(unsafe.Pointer(m)))
}

// Destroy retires m's identity in the detector, purging all recorded
// ordering history that involves it. Call when m's lifetime ends and its
// memory may be reused for an unrelated lock; m itself must be unlocked.
func (m *Mutex) Destroy() {
	internal.Destroy(uintptr(unsafe.Pointer(m)))
}

// An RWMutex is a drop-in replacement for sync.RWMutex observed by the
// deadlock detector.
//
// Read and write acquisitions share one identity and both participate in
// lock ordering: a read lock held while acquiring another lock can deadlock
// against a writer just as a write lock can.
//
// An RWMutex must not be copied after first use.
type RWMutex struct {
	mu sync.RWMutex
}

// Lock locks rw for writing.
func (rw *RWMutex) Lock() {
	internal.BeforeLock(uintptr(unsafe.Pointer(rw)), 1)
	rw.mu.Lock()
}

// TryLock tries to lock rw for writing and reports whether it succeeded.
func (rw *RWMutex) TryLock() bool {
	if !rw.mu.TryLock() {
		return false
	}
	internal.BeforeLock(uintptr(unsafe.Pointer(rw)), 1)
	return true
}

// Unlock unlocks rw for writing.
func (rw *RWMutex) Unlock() {
	rw.mu.Unlock()
	internal.AfterUnlock(uintptr(unsafe.Pointer(rw)))
}

// RLock locks rw for reading.
func (rw *RWMutex) RLock() {
	internal.BeforeLock(uintptr(unsafe.Pointer(rw)), 1)
	rw.mu.RLock()
}

// TryRLock tries to lock rw for reading and reports whether it succeeded.
func (rw *RWMutex) TryRLock() bool {
	if !rw.mu.TryRLock() {
		return false
	}
	internal.BeforeLock(uintptr(unsafe.Pointer(rw)), 1)
	return true
}

// RUnlock undoes a single RLock call.
func (rw *RWMutex) RUnlock() {
	rw.mu.RUnlock()
	internal.AfterUnlock(uintptr(unsafe.Pointer(rw)))
}

// RLocker returns a sync.Locker whose Lock and RLock methods call
// rw.RLock and rw.RUnlock.
func (rw *RWMutex) RLocker() sync.Locker {
	return rLocker{rw}
}

type rLocker struct{ rw *RWMutex }

func (r rLocker) Lock()   { r.rw.RLock() }
func (r rLocker) Unlock() { r.rw.RUnlock() }

// Destroy retires rw's identity in the detector. See [Mutex.Destroy].
func (rw *RWMutex) Destroy() {
	internal.Destroy(uintptr(unsafe.Pointer(rw)))
}

// NewCond returns a condition variable bound to l.
//
// Pass a *Mutex (or any monitored Locker): Wait releases and reacquires the
// lock through the Locker interface, so both sides of the wait stay visible
// to the detector and the held-lock stack remains accurate across the wait.
func NewCond(l sync.Locker) *sync.Cond {
	return sync.NewCond(l)
}
