// Package fiber's context switch is the one place this module departs
// from a literal translation of original_source/src/fiber.cpp, and the
// departure is recorded here because it shapes everything built on top
// of it (scheduler pinning, the reactor's idle fiber, the hook layer's
// "current fiber" lookups).
//
// original_source uses getcontext/makecontext/swapcontext: a fiber is a
// block of stack memory plus a ucontext_t, and resume/yield are a pair
// of register-saving context swaps on the SAME OS thread, by
// construction (there's no other thread involved — ucontext_t has no
// notion of one). Go exposes none of that, and the obvious workaround
// (hand-written asm trampolines swapping SP/callee-saved registers)
// would fight Go's runtime: goroutine stacks are small, growable, and
// moved by the garbage collector on growth, which a bespoke stack
// pointer swap has no way to observe.
//
// The idiomatic Go substitute — the same one used by the retrieval
// pack's own fiber implementation (see other_examples, the pawscript
// interpreter's Fiber: a goroutine created once per fiber, with a
// buffered resume channel and a completion channel) — is one goroutine
// per Fiber, with resume/yield expressed as a synchronous, unbuffered
// channel handoff. At most one side of the handoff ever runs at a time,
// which is exactly the spec's "at most one thread has a given fiber in
// EXEC" invariant, and the blocked goroutine's entire Go call stack
// (arbitrarily deep) is preserved across the suspension the same way a
// real stackful coroutine's machine stack would be.
//
// Go's scheduler additionally performs a direct handoff for exactly
// this pattern: a send on an unbuffered channel to a goroutine already
// blocked receiving on it runs the receiver immediately on the sending
// M, without that M going back to the global run queue first. Paired
// with runtime.LockOSThread on scheduler workers (fiberos.Thread), this
// gives resume/yield a fast, usually-same-OS-thread switch in practice.
// It is not a language-level guarantee the way ucontext's same-thread
// swap is, though: a fiber goroutine that itself blocks on something Go
// considers a real syscall (not one of ours — all intercepted I/O in
// the hook package is made non-blocking first) can be rescheduled onto
// a different M by the Go runtime. This module's hook layer is built so
// that never happens for any I/O path; the DESIGN.md Open Questions
// record this as a deliberate, accepted trade-off rather than an
// oversight.
package fiber
