package lockgraph

// LockID is a stable, process-unique identity for one synchronization object.
//
// IDs are allocated from a monotonic counter on first observed use and are
// never reused, so a destroyed lock whose memory address is recycled for an
// unrelated object always maps to a new LockID. The zero value is reserved
// and never assigned to a live lock.
type LockID uint64

// NoLock is the zero LockID. It is returned when the registry refuses to
// track a new lock (capacity saturation) and is never a valid graph node.
const NoLock LockID = 0

// lockNode is the registry entry for one live lock identity.
type lockNode struct {
	id   LockID
	addr uintptr
}

// LookupID returns the identity currently registered for addr, if any.
//
// Unlike GetOrCreateID this never allocates a new identity, so it is the
// right call on the release path: releasing a lock the registry has never
// seen (for example one acquired before Init, or after saturation) must not
// mint a node for it.
func (g *Graph) LookupID(addr uintptr) (LockID, bool) {
	n, ok := g.byAddr[addr]
	if !ok {
		return NoLock, false
	}
	return n.id, true
}

// GetOrCreateID returns the identity for the lock at addr, registering it on
// first observed use.
//
// Returns NoLock and false when the registry is saturated (MaxLocks reached).
// The caller is expected to emit the one-time degradation warning and fall
// through to uninstrumented behavior; saturation must never corrupt state or
// abort the host program.
func (g *Graph) GetOrCreateID(addr uintptr) (LockID, bool) {
	if n, ok := g.byAddr[addr]; ok {
		return n.id, true
	}
	if g.maxLocks > 0 && len(g.byAddr) >= g.maxLocks {
		return NoLock, false
	}
	g.nextID++
	n := &lockNode{id: LockID(g.nextID), addr: addr}
	g.byAddr[addr] = n
	g.byID[n.id] = n
	return n.id, true
}

// Retire removes the identity registered at addr and purges every graph edge
// incident to it, in both directions.
//
// Retirement is the only way edges ever leave the graph. It bounds memory
// for programs that create and destroy locks continuously and prevents stale
// false positives when a destroyed lock's address is recycled.
//
// Returns the retired identity, or NoLock and false if addr was never
// registered (destroying an unobserved lock is a no-op, not an error).
func (g *Graph) Retire(addr uintptr) (LockID, bool) {
	n, ok := g.byAddr[addr]
	if !ok {
		return NoLock, false
	}
	delete(g.byAddr, addr)
	delete(g.byID, n.id)
	g.purgeIncident(n.id)
	return n.id, true
}

// Known reports whether id is a live identity. A lock retired while some
// goroutine still held it leaves its stale ID on that goroutine's stack;
// the detector uses this to keep such IDs from re-entering the graph.
func (g *Graph) Known(id LockID) bool {
	_, ok := g.byID[id]
	return ok
}

// LockCount returns the number of live lock identities.
func (g *Graph) LockCount() int {
	return len(g.byAddr)
}
