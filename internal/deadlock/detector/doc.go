// Package detector implements the deadlock detection core.
//
// The Detector owns the process-wide lock-order graph and drives the
// pipeline on every intercepted operation:
//
//	interceptor → held-lock stack → edge insertion → cycle check → report
//
// On each acquisition of lock S by goroutine G, an edge P→S is recorded for
// every lock P on G's held stack, not just the most recent one, because a
// cycle can involve any pair of simultaneously held locks. Detection is
// incremental: only a newly inserted edge can close a new cycle, so the
// reachability check runs exactly once per new edge and its cost tracks the
// program's lock-nesting diversity, not the size of the graph.
//
// Detection is advisory. A reported cycle means the program exhibited lock
// orderings that can deadlock under some interleaving; the program itself is
// never blocked or altered. In enforcing mode the process is deliberately
// terminated after the report is emitted, so a crash dump exists at the
// moment of the violation.
package detector
