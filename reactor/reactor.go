// Package reactor fuses a Scheduler with an edge-triggered epoll
// notifier and a timer set, producing the runtime the hook layer
// parks fibers against: IOManager from spec §4.3/§4.4.
//
// Grounded on original_source/src/io_manager.h (the IOManager class
// that inherits Scheduler and TimerManager and overrides
// init/tickle/stopping/idle) and on
// joeycumines-go-utilpkg/eventloop's poller_linux.go (FastPoller's
// direct-fd-indexed epoll wrapper) and wakeup_linux.go (eventfd-based
// wakeup). Go has no multiple inheritance, so Reactor holds a
// *scheduler.Scheduler and a *timer.Manager instead of extending them,
// and implements scheduler.Impl to plug its epoll/timer behavior into
// the scheduler's extension points (see scheduler/impl.go).
package reactor

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/qff233/qff/fiber"
	"github.com/qff233/qff/fiberos"
	"github.com/qff233/qff/logging"
	"github.com/qff233/qff/scheduler"
	"github.com/qff233/qff/timer"
)

// EventType is the subset of epoll readiness the reactor exposes to
// callers, matching original_source's IOManager::EventType {READ,WRITE}.
type EventType uint32

const (
	EventRead EventType = 1 << iota
	EventWrite
)

// maxIdleWaitMS bounds how long a single epoll_wait call blocks even
// with no pending timer, so a worker periodically rechecks whether it
// has been asked to stop.
const maxIdleWaitMS = 10_000

// Logger is the Sink reactor lifecycle/dispatch events log through.
var Logger logging.Sink = logging.Discard

// SetLogger installs the Sink used by this package.
func SetLogger(s logging.Sink) {
	if s == nil {
		s = logging.Discard
	}
	Logger = s
}

func logEvent(level logging.Level, msg string) {
	if !Logger.Enabled(level) {
		return
	}
	Logger.Log(logging.Entry{
		Level:      level,
		ThreadID:   fiberos.Gettid(),
		ThreadName: fiberos.GetName(),
		Message:    msg,
	})
}

// eventCtx is one registered waiter for a single (fd, event) pair:
// either a parked fiber (the common do_io case) or a plain callback.
type eventCtx struct {
	fiber     *fiber.Fiber
	cb        func()
	pinnedTID int
}

func (e eventCtx) empty() bool { return e.fiber == nil && e.cb == nil }

// fdContext is the reactor-side per-fd registration record — distinct
// from fdtable.Context, which is the hook layer's own classification
// table. original_source keeps these as two separate data structures
// for the same reason: IOManager's fd_contexts answer "who is waiting
// and on what", FdManager's answer "is this fd non-blocking".
type fdContext struct {
	mu          fiberos.Mutex
	events      EventType
	read, write eventCtx
}

func (c *fdContext) slot(ev EventType) *eventCtx {
	if ev == EventRead {
		return &c.read
	}
	return &c.write
}

// Reactor is spec §4.3/§4.4's IOManager: a Scheduler plus an
// edge-triggered epoll notifier plus a timer set.
type Reactor struct {
	sched  *scheduler.Scheduler
	timers *timer.Manager

	epfd   int
	wakeFD int

	mu  sync.RWMutex
	fds []*fdContext

	pendingEventCount atomic.Int64
	closed            atomic.Bool
}

// New creates a Reactor with the given worker pool shape. See
// scheduler.New for the meaning of threadCount/useCaller.
func New(name string, threadCount int, useCaller bool) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFD)
		return nil, err
	}

	r := &Reactor{epfd: epfd, wakeFD: wakeFD}
	r.timers = timer.New(func() { r.onTimerInsertedIntoFront() })
	r.sched = scheduler.New(name, threadCount, useCaller, scheduler.WithImpl(r))
	return r, nil
}

// Start spawns the worker pool. See scheduler.Scheduler.Start.
func (r *Reactor) Start() { r.sched.Start() }

// Stop requests shutdown, joins every worker, and releases the epoll
// and eventfd descriptors. Idempotent.
func (r *Reactor) Stop() {
	r.timers.Stop()
	r.sched.Stop()
	if r.closed.CompareAndSwap(false, true) {
		_ = unix.Close(r.epfd)
		_ = unix.Close(r.wakeFD)
	}
}

// Scheduler exposes the underlying Scheduler, for code (like the hook
// layer) that needs to enqueue plain callbacks/fibers directly.
func (r *Reactor) Scheduler() *scheduler.Scheduler { return r.sched }

// Timers exposes the underlying timer Manager.
func (r *Reactor) Timers() *timer.Manager { return r.timers }

// AddTimer and AddConditionalTimer delegate to the reactor's timer
// Manager, wiring on_timer_inserted_into_front to Tickle.
func (r *Reactor) AddTimer(ms int64, cb func(), recurring bool) *timer.Timer {
	return r.timers.Add(ms, cb, recurring)
}

func (r *Reactor) AddConditionalTimer(ms int64, cb func(), cond func() bool, recurring bool) *timer.Timer {
	return r.timers.AddConditional(ms, cb, cond, recurring)
}

func (r *Reactor) getOrCreateLocked(fd int) *fdContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fd >= len(r.fds) {
		newLen := len(r.fds)
		for newLen <= fd {
			newLen = newLen + newLen/2 + 1
		}
		grown := make([]*fdContext, newLen)
		copy(grown, r.fds)
		r.fds = grown
	}
	if r.fds[fd] == nil {
		r.fds[fd] = &fdContext{}
	}
	return r.fds[fd]
}

func (r *Reactor) getLocked(fd int) *fdContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fd < 0 || fd >= len(r.fds) {
		return nil
	}
	return r.fds[fd]
}

// AddEvent registers interest in ev on fd. If cb is nil, the currently
// executing fiber (fiber.GetThis()) is the task resumed once the event
// fires or is canceled — the common do_io case; a non-nil cb is
// scheduled unpinned instead.
func (r *Reactor) AddEvent(fd int, ev EventType, cb func()) error {
	ctx := r.getOrCreateLocked(fd)
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	op := unix.EPOLL_CTL_MOD
	if ctx.events == 0 {
		op = unix.EPOLL_CTL_ADD
	}
	newEvents := ctx.events | ev
	eev := &unix.EpollEvent{Events: eventTypeToEpoll(newEvents) | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, fd, eev); err != nil {
		return err
	}
	ctx.events = newEvents

	slot := ctx.slot(ev)
	if cb != nil {
		*slot = eventCtx{cb: cb, pinnedTID: scheduler.AnyThread}
	} else {
		*slot = eventCtx{fiber: fiber.GetThis(), pinnedTID: fiberos.Gettid()}
	}
	r.pendingEventCount.Add(1)
	return nil
}

// CancelEvent force-fires fd's ev handler as though it had become
// ready, removing the registration. Used by the hook layer's timeout
// path (do_io's conditional timer callback) to wake a parked fiber
// without a real readiness event.
func (r *Reactor) CancelEvent(fd int, ev EventType) bool {
	return r.triggerAndClear(fd, ev)
}

// CancelAll force-fires and removes every registration on fd, and
// drops fd from epoll entirely — called when fd is closed, so nothing
// is left parked on an fd that is about to become invalid.
func (r *Reactor) CancelAll(fd int) {
	r.triggerAndClear(fd, EventRead)
	r.triggerAndClear(fd, EventWrite)

	r.mu.Lock()
	if fd >= 0 && fd < len(r.fds) && r.fds[fd] != nil {
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		r.fds[fd] = nil
	}
	r.mu.Unlock()
}

func (r *Reactor) triggerAndClear(fd int, ev EventType) bool {
	ctx := r.getLocked(fd)
	if ctx == nil {
		return false
	}

	ctx.mu.Lock()
	if ctx.events&ev == 0 {
		ctx.mu.Unlock()
		return false
	}
	slot := ctx.slot(ev)
	task := *slot
	*slot = eventCtx{}
	newEvents := ctx.events &^ ev
	ctx.events = newEvents

	var epollErr error
	if newEvents == 0 {
		epollErr = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	} else {
		epollErr = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
			Events: eventTypeToEpoll(newEvents) | unix.EPOLLET,
			Fd:     int32(fd),
		})
	}
	ctx.mu.Unlock()

	if epollErr != nil {
		logEvent(logging.LevelWarn, "epoll_ctl during trigger failed")
	}
	if task.empty() {
		return false
	}
	r.pendingEventCount.Add(-1)
	r.scheduleTask(task)
	return true
}

func (r *Reactor) scheduleTask(t eventCtx) {
	switch {
	case t.cb != nil:
		r.sched.ScheduleFunc(t.cb, t.pinnedTID)
	case t.fiber != nil:
		r.sched.ScheduleFiber(t.fiber, t.pinnedTID)
	}
}

func (r *Reactor) onTimerInsertedIntoFront() {
	r.Tickle(r.sched)
}

func eventTypeToEpoll(ev EventType) uint32 {
	var out uint32
	if ev&EventRead != 0 {
		out |= unix.EPOLLIN
	}
	if ev&EventWrite != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func epollToEventType(bits uint32) EventType {
	var out EventType
	if bits&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		out |= EventRead
	}
	if bits&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		out |= EventWrite
	}
	return out
}

var currentReactor = struct {
	mu sync.RWMutex
	m  map[int]*Reactor
}{m: make(map[int]*Reactor)}

func setCurrent(r *Reactor) {
	currentReactor.mu.Lock()
	currentReactor.m[fiberos.Gettid()] = r
	currentReactor.mu.Unlock()
}

// GetThis returns the Reactor whose worker owns the calling OS thread,
// nil if none — the hook layer's equivalent of IOManager::GetThis.
func GetThis() *Reactor {
	currentReactor.mu.RLock()
	defer currentReactor.mu.RUnlock()
	return currentReactor.m[fiberos.Gettid()]
}
