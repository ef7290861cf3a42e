// Package goroutine tracks the per-goroutine held-lock stack.
//
// Each goroutine that touches an instrumented lock owns exactly one
// LockStack: the ordered sequence of lock identities it currently holds,
// most recent last. The stack is mutated only by its owning goroutine, so no
// internal synchronization is needed or provided.
//
// A stack is created lazily on a goroutine's first acquisition and discarded
// by the detector as soon as it drains to empty, so goroutines that have
// exited (or that simply stopped locking) hold no runtime memory.
package goroutine
