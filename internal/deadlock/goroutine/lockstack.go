package goroutine

import (
	"github.com/kolkov/deadlockdetector/internal/deadlock/lockgraph"
)

// PopResult classifies the outcome of a Pop.
type PopResult int

const (
	// PopOrdered means the released lock was on top of the stack: the
	// well-nested case.
	PopOrdered PopResult = iota

	// PopRecursive means the lock was held recursively and only its hold
	// count was decremented; the entry stays on the stack.
	PopRecursive

	// PopUnordered means the lock was held but not on top. The matching
	// interior entry was removed and the rest of the stack is intact. This
	// is tolerated, but the detector reports it as suspicious usage.
	PopUnordered

	// PopNotHeld means the lock was not on the stack at all. Nothing was
	// modified.
	PopNotHeld
)

// Held is one entry on a goroutine's held-lock stack.
type Held struct {
	// ID is the lock's identity in the lock-order graph.
	ID lockgraph.LockID

	// Site is the site depot handle for the call site of the first
	// acquisition in this hold.
	Site uint64

	// Count is the recursion depth: the number of nested acquisitions of
	// this lock by the owning goroutine that have not yet been released.
	// Always at least 1 for an entry on the stack.
	Count int32
}

// LockStack is the ordered set of locks one goroutine currently holds.
//
// Owned exclusively by one goroutine; never shared, never locked.
type LockStack struct {
	gid  int64
	held []Held
}

// NewLockStack creates an empty stack for the given goroutine ID.
func NewLockStack(gid int64) *LockStack {
	return &LockStack{gid: gid}
}

// GID returns the owning goroutine's ID.
func (s *LockStack) GID() int64 {
	return s.gid
}

// Holds reports whether id is anywhere on the stack.
func (s *LockStack) Holds(id lockgraph.LockID) bool {
	return s.indexOf(id) >= 0
}

// Reacquire bumps the hold count for a lock already on the stack and reports
// whether it was found. The detector calls this before recording edges so a
// recursive acquisition never produces a self edge.
func (s *LockStack) Reacquire(id lockgraph.LockID) bool {
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.held[i].Count++
	return true
}

// Push records a new hold of id acquired at site. The caller must have
// checked Reacquire first; pushing an identity that is already held would
// corrupt recursion accounting.
func (s *LockStack) Push(id lockgraph.LockID, site uint64) {
	s.held = append(s.held, Held{ID: id, Site: site, Count: 1})
}

// Pop releases one hold of id.
//
// The well-nested case pops the top entry. A release that matches an
// interior entry removes that entry in place, preserving the order of
// everything else, so one unordered release cannot corrupt tracking of the
// remaining holds. A release of a lock that is not held leaves the stack
// untouched.
func (s *LockStack) Pop(id lockgraph.LockID) PopResult {
	i := s.indexOf(id)
	if i < 0 {
		return PopNotHeld
	}
	if s.held[i].Count > 1 {
		s.held[i].Count--
		return PopRecursive
	}
	top := i == len(s.held)-1
	s.held = append(s.held[:i], s.held[i+1:]...)
	if top {
		return PopOrdered
	}
	return PopUnordered
}

// Snapshot returns a copy of the current holds, acquisition order preserved.
// The detector iterates the snapshot to record an edge from every held lock
// to a newly acquired one, not just from the top: a cycle can involve any
// pair of simultaneously held locks.
func (s *LockStack) Snapshot() []Held {
	if len(s.held) == 0 {
		return nil
	}
	out := make([]Held, len(s.held))
	copy(out, s.held)
	return out
}

// Len returns the number of distinct locks held.
func (s *LockStack) Len() int {
	return len(s.held)
}

// Empty reports whether no locks are held. The detector discards the stack
// when this becomes true.
func (s *LockStack) Empty() bool {
	return len(s.held) == 0
}

// indexOf scans from the top, since releases overwhelmingly target the most
// recent holds.
func (s *LockStack) indexOf(id lockgraph.LockID) int {
	for i := len(s.held) - 1; i >= 0; i-- {
		if s.held[i].ID == id {
			return i
		}
	}
	return -1
}
