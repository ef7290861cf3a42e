// Package lockgraph implements the lock identity registry and the global
// lock-order graph.
//
// The graph records one node per distinct lock identity and one directed edge
// per observed "held while acquiring" pair: edge P→S means some goroutine
// held lock P at the moment it acquired lock S. A directed cycle in this
// graph is an ordering inconsistency that can deadlock under the right
// interleaving, even if the monitored program never actually deadlocked
// during the run.
//
// Lock identities are allocated from a monotonic counter rather than derived
// from the object address directly. Destroying a lock retires its identity
// and purges every incident edge, so a later allocation that reuses the same
// address receives a fresh identity and can never resurrect stale ordering
// history.
//
// Concurrency: Graph is NOT self-synchronized. The detector serializes every
// registry and graph operation under its single runtime lock, which is a raw
// sync.Mutex that is itself never instrumented and never becomes a graph
// participant. Keeping the structure lock-free here avoids a second layer of
// locking inside an already-serialized section.
package lockgraph
