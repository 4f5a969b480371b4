package fiber

import (
	"sync"
	"sync/atomic"

	"github.com/qff233/qff/fiberos"
	"github.com/qff233/qff/logging"
	"github.com/qff233/qff/rterr"
)

var (
	fiberIDCounter atomic.Uint64
	fiberCount     atomic.Int64
)

// Logger is the Sink the fiber package logs captured trampoline panics
// through. It is package-level rather than
// per-Fiber because it is genuinely a cross-cutting, low-cardinality
// concern (see logging.Discard default), matching eventloop's own
// package-level logger configuration rationale.
var Logger logging.Sink = logging.Discard

// SetLogger installs the Sink used by this package.
func SetLogger(s logging.Sink) {
	if s == nil {
		s = logging.Discard
	}
	Logger = s
}

// perThreadFiber is the per-OS-thread bookkeeping from spec §3: each OS
// thread has an anchor fiber (never user-runnable) and a current-fiber
// pointer. Keyed by gettid, same rationale as fiberos.perThread.
type perThreadFiber struct {
	anchor  *Fiber
	current *Fiber
	root    *Fiber // not set by this module: use-caller mode runs the dispatch loop directly (see scheduler.Start)
}

var registry = struct {
	mu sync.RWMutex
	m  map[int]*perThreadFiber
}{m: make(map[int]*perThreadFiber)}

func threadState() *perThreadFiber {
	tid := fiberos.Gettid()
	registry.mu.RLock()
	pt := registry.m[tid]
	registry.mu.RUnlock()
	if pt != nil {
		return pt
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if pt := registry.m[tid]; pt != nil {
		return pt
	}
	pt := &perThreadFiber{}
	registry.m[tid] = pt
	return pt
}

// Init installs the calling OS thread's anchor fiber, if not already
// present. Scheduler workers call this once, before entering their
// dispatch loop. It is idempotent, matching Fiber::Init's "if
// (t_thread_fiber) return;" guard.
func Init() {
	pt := threadState()
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if pt.anchor != nil {
		return
	}
	anchor := &Fiber{
		id:      fiberIDCounter.Add(1),
		anchor:  true,
		yieldCh: make(chan struct{}),
	}
	anchor.state.Store(int32(StateExec))
	pt.anchor = anchor
	pt.current = anchor
}

// GetThis returns the fiber currently executing on the calling OS
// thread, or nil if Init has not been called on this thread.
func GetThis() *Fiber {
	pt := threadState()
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	return pt.current
}

// GetFiberID returns the id of the currently executing fiber, 0 if none.
func GetFiberID() uint64 {
	if f := GetThis(); f != nil {
		return f.id
	}
	return 0
}

// TotalFibers returns the live fiber count, for tests and diagnostics.
func TotalFibers() int64 { return fiberCount.Load() }

func setCurrent(f *Fiber) {
	pt := threadState()
	registry.mu.Lock()
	pt.current = f
	registry.mu.Unlock()
}

// Fiber is a stackful coroutine: an entry callback plus, for
// user-created fibers, a pooled stack reservation (see stack.go) and a
// dedicated goroutine whose parked call stack stands in for the
// machine context original_source saved in a ucontext_t.
type Fiber struct {
	id    uint64
	state atomic.Int32 // State

	allocator *StackAllocator
	stackIdx  int
	hasStack  bool

	entry func()

	resumeCh chan struct{}
	yieldCh  chan struct{}

	anchor   bool
	panicVal any
}

// New creates a fiber with the given entry point, reserving one stack
// slot from alloc (if non-nil). The slot has alloc's fixed stack size;
// stackSize does not change the size of the reservation. The fiber does
// not begin running until the first Resume.
func New(alloc *StackAllocator, entry func(), stackSize int) *Fiber {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	f := &Fiber{
		id:        fiberIDCounter.Add(1),
		allocator: alloc,
		entry:     entry,
		resumeCh:  make(chan struct{}),
		yieldCh:   make(chan struct{}),
	}
	f.state.Store(int32(StateInit))
	if alloc != nil {
		_, f.stackIdx = alloc.Allocate()
		f.hasStack = true
	}
	fiberCount.Add(1)
	go f.loop()
	return f
}

// ID returns the fiber's 64-bit identity.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// PanicValue returns the recovered panic value if the fiber is in
// EXCEPT, nil otherwise.
func (f *Fiber) PanicValue() any { return f.panicVal }

// Release destroys a fiber's stack reservation. Permitted only from
// TERM or INIT, matching the spec invariant; violating it is a contract
// violation (a *rterr.ContractViolation panic, not silently ignored) per
// original_source's ~Fiber assertion.
func (f *Fiber) Release() {
	s := f.State()
	if s != StateTerm && s != StateInit {
		rterr.Violate("fiber", "Release called on fiber %d in state %s", f.id, s)
	}
	if f.hasStack {
		f.allocator.Free(f.stackIdx)
		f.hasStack = false
	}
	fiberCount.Add(-1)
}

// Reset rearms a terminated (or never-started) fiber with a new entry,
// reusing its stack reservation — original_source's Fiber::reset,
// asserting m_state == TERM || INIT.
func (f *Fiber) Reset(entry func()) {
	s := f.State()
	if s != StateTerm && s != StateInit {
		rterr.Violate("fiber", "Reset called on fiber %d in state %s", f.id, s)
	}
	f.entry = entry
	f.state.Store(int32(StateInit))
	f.resumeCh = make(chan struct{})
	f.yieldCh = make(chan struct{})
	go f.loop()
}

// loop is the fiber's dedicated goroutine: it blocks on resumeCh until
// the first Resume, then runs the trampoline exactly once per
// Reset-generation, in the teacher's "MainFunc" style — run the
// callback, log+recover on panic instead of propagating it, then settle
// into TERM/EXCEPT and signal the resumer.
func (f *Fiber) loop() {
	<-f.resumeCh
	f.trampoline()
}

func (f *Fiber) trampoline() {
	defer func() {
		if r := recover(); r != nil {
			f.panicVal = r
			f.state.Store(int32(StateExcept))
			Logger.Log(logging.Entry{
				Level:    logging.LevelError,
				ThreadID: fiberos.Gettid(),
				FiberID:  f.id,
				Message:  "fiber trampoline: recovered panic, fiber -> EXCEPT",
			})
		} else if f.State() == StateExec {
			// Normal return without an intervening yield: terminate.
			f.state.Store(int32(StateTerm))
		}
		f.yieldCh <- struct{}{}
	}()
	f.entry()
}

// Resume switches the calling goroutine (the anchor or root fiber of
// the calling OS thread) onto f, and blocks until f yields or
// terminates. It is the Go-native equivalent of original_source's
// swap_in/call: the caller must not itself be a fiber in EXEC.
func (f *Fiber) Resume() {
	if f.State() == StateExec {
		rterr.Violate("fiber", "Resume called on fiber %d already EXEC", f.id)
	}
	setCurrent(f)
	f.state.Store(int32(StateExec))
	f.resumeCh <- struct{}{}
	<-f.yieldCh
}

// yield is shared by YieldToReady/YieldToHold: set the target state,
// hand control back to whoever called Resume, and block until the next
// Resume reinstates this fiber as EXEC.
func yield(target State) {
	f := GetThis()
	if f == nil || f.anchor {
		rterr.Violate("fiber", "yield called outside a running fiber")
	}
	f.state.Store(int32(target))
	f.yieldCh <- struct{}{}
	<-f.resumeCh
	f.state.Store(int32(StateExec))
}

// YieldToReady suspends the calling fiber, marking it READY: the
// scheduler will requeue it for another turn without any external
// waker. Used by cooperative-yield style code.
func YieldToReady() { yield(StateReady) }

// YieldToHold suspends the calling fiber, marking it HOLD: the
// scheduler will NOT requeue it; an external waker (the reactor, a
// timer) must call Resume again via Scheduler.ScheduleFiber. Used by the
// hook layer and timers.
func YieldToHold() { yield(StateHold) }
