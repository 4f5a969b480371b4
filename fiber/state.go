// Package fiber implements the stackful-coroutine primitive: a Fiber
// with a context switch, a pooled stack allocator, and the per-thread
// anchor/current/root fiber bookkeeping the scheduler relies on.
//
// Grounded on original_source/src/fiber.h / fiber.cpp (qff::Fiber,
// qff::Allocater). The context switch itself cannot be translated
// literally: Go exposes no getcontext/makecontext/swapcontext
// equivalent, and writing one in assembly would fight the Go runtime's
// own stack management (growable, moving stacks) rather than cooperate
// with it. The idiomatic Go substitute — used throughout the retrieval
// pack's own "fiber" example (other_examples' pawscript Fiber: a
// goroutine plus a pair of handoff channels) — is one goroutine per
// Fiber, with resume/yield implemented as a synchronous, unbuffered
// channel handoff: at most one side ever proceeds at a time, which is
// exactly the "at most one thread has a given fiber in EXEC" invariant
// the spec requires. See the package doc in doc.go for the full
// rationale, recorded as an Open Question decision in DESIGN.md.
package fiber

// State is one of the six fiber states from spec §3.
type State int32

const (
	StateInit State = iota
	StateHold
	StateReady
	StateExec
	StateTerm
	StateExcept
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHold:
		return "HOLD"
	case StateReady:
		return "READY"
	case StateExec:
		return "EXEC"
	case StateTerm:
		return "TERM"
	case StateExcept:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}
