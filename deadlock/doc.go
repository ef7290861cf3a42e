// Package deadlock provides a Pure-Go deadlock detection runtime.
//
// The detector observes a program's lock operations and reports lock-order
// cycles, orderings that can deadlock under the right interleaving, without
// requiring the deadlock to actually occur. Detection is advisory:
// the program's synchronization semantics are never changed, only observed.
//
// # Quick Start
//
// Replace sync.Mutex and sync.RWMutex with the drop-in wrappers:
//
//	package main
//
//	import "github.com/kolkov/deadlockdetector/deadlock"
//
//	var (
//		accounts deadlock.Mutex
//		audit    deadlock.Mutex
//	)
//
//	func main() {
//		defer deadlock.Fini()
//
//		accounts.Lock()
//		audit.Lock() // records ordering: accounts before audit
//		audit.Unlock()
//		accounts.Unlock()
//	}
//
// If any goroutine ever acquires audit while holding accounts and another
// acquires accounts while holding audit, a report like the following is
// written to stderr the moment the second ordering is observed:
//
//	==================
//	WARNING: POTENTIAL DEADLOCK
//	Lock-order cycle among 2 locks: L1 -> L2 -> L1
//
//	goroutine 7 held lock L1, acquired at:
//	  main.transfer()
//	      /path/to/bank.go:24
//	while acquiring lock L2 at:
//	  main.transfer()
//	      /path/to/bank.go:25
//	...
//	==================
//
// Each distinct cycle is reported exactly once per run.
//
// # How It Works
//
// Every acquisition through a wrapper records, for each lock the goroutine
// already holds, a directed "held while acquiring" edge in a process-wide
// lock-order graph. Inserting an edge that closes a directed cycle means two
// code paths disagree about lock order; with the right thread interleaving
// that disagreement is a deadlock. The check is incremental, since only a
// new edge can close a new cycle, so overhead tracks the diversity of lock
// nestings in the program, not its running time.
//
// # Configuration
//
// Read from the environment on first use:
//
//	DEADLOCK=0              disable the detector
//	DEADLOCK_MODE=abort     terminate the process after the first report
//	DEADLOCK_LOG_FILE=path  route diagnostics to a rotated file
//	DEADLOCK_MAX_LOCKS=n    cap tracked lock identities
//	DEADLOCK_MAX_EDGES=n    cap recorded orderings
//	DEADLOCK_STACK_DEPTH=n  acquisition-site capture depth
//
// # Limits
//
// Lock identity is the wrapper's address, which is stable for the lifetime
// of the object; call [Mutex.Destroy] before allowing the memory to be
// reused so stale ordering history is purged. The detector finds ordering
// inconsistencies between monitored locks only; it does not observe channel
// operations or locks that never pass through a wrapper.
package deadlock
