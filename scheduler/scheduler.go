// Package scheduler implements the M:N fiber dispatcher from spec §4.2:
// a pool of OS worker threads, each running fibers and callbacks pulled
// off a shared task list, with optional per-task thread pinning and an
// optional "use caller" mode that folds the OS thread that calls Start
// into the worker pool instead of spawning an extra one for it.
//
// Grounded on original_source/src/scheduler.h and scheduler.cpp
// (qff::Scheduler, __FiberAndThread). The extension points a C++
// subclass would override (init/tickle/stopping/idle) are expressed as
// the Impl interface (see impl.go) rather than inheritance, following
// the same "favor composition, accept an interface" idiom the retrieval
// pack's eventloop.Loop uses for its own options-configured hooks.
package scheduler

import (
	"container/list"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/qff233/qff/fiber"
	"github.com/qff233/qff/fiberos"
	"github.com/qff233/qff/logging"
)

// Logger is the Sink scheduler lifecycle and dispatch events are
// logged through. Package-level, like fiber.Logger, for the same
// reason: it is a cross-cutting, low-cardinality concern.
var Logger logging.Sink = logging.Discard

// SetLogger installs the Sink used by this package.
func SetLogger(s logging.Sink) {
	if s == nil {
		s = logging.Discard
	}
	Logger = s
}

func logSchedulerEvent(s *Scheduler, msg string) {
	if !Logger.Enabled(logging.LevelDebug) {
		return
	}
	Logger.Log(logging.Entry{
		Level:      logging.LevelDebug,
		ThreadID:   fiberos.Gettid(),
		ThreadName: fiberos.GetName(),
		Message:    fmt.Sprintf("scheduler %q: %s", s.name, msg),
	})
}

// Option configures a Scheduler at construction, following the
// functional-options idiom grounded on eventloop/options.go.
type Option func(*Scheduler)

// WithImpl overrides the default init/tickle/stopping/idle behavior.
// Used by the reactor package to layer epoll + timers onto a Scheduler.
func WithImpl(impl Impl) Option {
	return func(s *Scheduler) { s.impl = impl }
}

// WithStackAllocator supplies a shared StackAllocator for the
// scheduler's own idle fibers and any callback-materialized task
// fibers, instead of the package default.
func WithStackAllocator(a *fiber.StackAllocator) Option {
	return func(s *Scheduler) { s.alloc = a }
}

// Scheduler is the Go analogue of qff::Scheduler: a named pool of
// threadCount worker OS threads (threadCount-1 plus the thread that
// calls Start, if useCaller) that run fibers and callbacks pulled off a
// shared, pinning-aware task list until Stop is requested and Impl
// reports it is safe to actually stop.
type Scheduler struct {
	name        string
	threadCount int
	useCaller   bool
	impl        Impl
	alloc       *fiber.StackAllocator

	mu    fiberos.Mutex
	tasks *list.List // *task

	threads      []*fiberos.Thread
	rootThreadID int

	activeThreadCount atomic.Int32
	idleThreadCount   atomic.Int32

	started       atomic.Bool
	stopRequested atomic.Bool
	stopped       atomic.Bool
}

// New creates a Scheduler with the given name and worker count. When
// useCaller is true, the thread that later calls Start folds into the
// pool (only threadCount-1 extra OS threads are spawned); that thread
// must also be the one that later calls Stop, since it is the thread
// whose root fiber drains the scheduler's remaining work during Stop.
func New(name string, threadCount int, useCaller bool, opts ...Option) *Scheduler {
	if threadCount < 1 {
		threadCount = 1
	}
	s := &Scheduler{
		name:        name,
		threadCount: threadCount,
		useCaller:   useCaller,
		impl:        defaultImpl{},
		alloc:       fiber.NewStackAllocator(threadCount, fiber.DefaultStackSize),
		tasks:       list.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns the worker pool. In use-caller mode it also pins the
// calling goroutine to its OS thread and registers it as this
// scheduler's root thread; that thread does not actually start
// dispatching until the same goroutine calls Stop — mirroring
// original_source's root fiber, which is constructed in the
// constructor but only swapped into (via call()) from stop(), letting
// the caller's thread do its own work in between. Idempotent.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	workers := s.threadCount
	if s.useCaller {
		workers--
		runtime.LockOSThread()
		s.rootThreadID = fiberos.Gettid()
		fiber.Init()
		setCurrent(s)
	}

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("%s_%d", s.name, i)
		th := fiberos.NewThread(name, func() {
			fiber.Init()
			setCurrent(s)
			s.run()
		})
		s.threads = append(s.threads, th)
	}
	logSchedulerEvent(s, "started")
}

// Stop requests shutdown: it tickles any idle workers once, then, in
// use-caller mode, lets the calling thread run the dispatch loop
// itself (draining whatever work remains pinned to it) before joining
// every spawned worker thread via an errgroup — wiring
// golang.org/x/sync the way DESIGN.md records for this exact join.
// Idempotent; safe to call even if Start was never called. In
// use-caller mode, Stop must be called from the same goroutine that
// called Start.
func (s *Scheduler) Stop() {
	if !s.stopRequested.CompareAndSwap(false, true) {
		return
	}
	s.impl.Tickle(s)

	if s.useCaller {
		s.run()
		runtime.UnlockOSThread()
	}

	var eg errgroup.Group
	for _, th := range s.threads {
		th := th
		eg.Go(func() error {
			th.Join()
			return nil
		})
	}
	_ = eg.Wait()
	s.stopped.Store(true)
	logSchedulerEvent(s, "stopped")
}

// Stopped reports whether Stop has finished joining every worker.
func (s *Scheduler) Stopped() bool { return s.stopped.Load() }

// StopRequested reports whether Stop has been called, regardless of
// whether joining has completed. Impl implementations consult this.
func (s *Scheduler) StopRequested() bool { return s.stopRequested.Load() }

// ActiveThreadCount and IdleThreadCount expose the live worker split,
// mirroring original_source's m_active_thread_count/m_idle_thread_count.
func (s *Scheduler) ActiveThreadCount() int32 { return s.activeThreadCount.Load() }
func (s *Scheduler) IdleThreadCount() int32   { return s.idleThreadCount.Load() }

// ScheduleFiber enqueues an already-constructed fiber, optionally
// pinned to a specific OS thread id (AnyThread for no pinning).
func (s *Scheduler) ScheduleFiber(f *fiber.Fiber, pinnedTID int) {
	s.enqueue(&task{fiber: f, pinnedTID: pinnedTID})
}

// ScheduleFunc materializes a fiber from cb immediately (spec §3: a
// callback is turned into a fiber at enqueue time) and enqueues it.
func (s *Scheduler) ScheduleFunc(cb func(), pinnedTID int) {
	s.ScheduleFiber(fiber.New(s.alloc, cb, 0), pinnedTID)
}

// ScheduleBatch enqueues many callbacks at once under a single lock
// acquisition, tickling at most once if the list was empty beforehand
// — the batch overload from scheduler.cpp's schedule(begin, end).
func (s *Scheduler) ScheduleBatch(cbs []func(), pinnedTID int) {
	if len(cbs) == 0 {
		return
	}
	s.mu.Lock()
	wasEmpty := s.tasks.Len() == 0
	for _, cb := range cbs {
		s.tasks.PushBack(&task{fiber: fiber.New(s.alloc, cb, 0), pinnedTID: pinnedTID})
	}
	s.mu.Unlock()
	if wasEmpty {
		s.impl.Tickle(s)
	}
}

func (s *Scheduler) enqueue(t *task) {
	s.mu.Lock()
	wasEmpty := s.tasks.Len() == 0
	s.tasks.PushBack(t)
	s.mu.Unlock()
	if wasEmpty {
		s.impl.Tickle(s)
	}
}

// nextTask scans the task list for the first entry runnable on tid:
// not already EXEC, and either unpinned or pinned to tid. It reports
// whether any entry was skipped purely due to pinning, so the caller
// knows to tickle another worker on its behalf.
func (s *Scheduler) nextTask(tid int) (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pinSkipped := false
	for e := s.tasks.Front(); e != nil; e = e.Next() {
		t := e.Value.(*task)
		if t.fiber.State() == fiber.StateExec {
			continue
		}
		if t.pinnedTID != AnyThread && t.pinnedTID != tid {
			pinSkipped = true
			continue
		}
		s.tasks.Remove(e)
		return t, pinSkipped
	}
	return nil, pinSkipped
}

// run is one worker OS thread's dispatch loop: scan for runnable work
// pinned to this thread (or unpinned), run it to its next
// suspension, requeue it if it yielded READY, and otherwise fall back
// to the idle fiber — matching scheduler.cpp's Scheduler::run.
func (s *Scheduler) run() {
	tid := fiberos.Gettid()
	s.impl.Init(s)
	idleFiber := fiber.New(s.alloc, func() { s.impl.Idle(s) }, 0)

	for {
		t, pinSkipped := s.nextTask(tid)
		if t != nil {
			s.activeThreadCount.Add(1)
			t.fiber.Resume()
			s.activeThreadCount.Add(-1)
			if t.fiber.State() == fiber.StateReady {
				s.enqueue(t)
			}
			if pinSkipped {
				s.impl.Tickle(s)
			}
			continue
		}
		if pinSkipped {
			s.impl.Tickle(s)
		}

		s.idleThreadCount.Add(1)
		idleFiber.Resume()
		s.idleThreadCount.Add(-1)
		if idleFiber.State() == fiber.StateTerm {
			break
		}
	}
	logSchedulerEvent(s, "worker exiting")
}

var currentScheduler = struct {
	mu sync.RWMutex
	m  map[int]*Scheduler
}{m: make(map[int]*Scheduler)}

func setCurrent(s *Scheduler) {
	currentScheduler.mu.Lock()
	currentScheduler.m[fiberos.Gettid()] = s
	currentScheduler.mu.Unlock()
}

// GetThis returns the Scheduler whose worker (or use-caller root
// fiber) owns the calling OS thread, nil if none.
func GetThis() *Scheduler {
	currentScheduler.mu.RLock()
	defer currentScheduler.mu.RUnlock()
	return currentScheduler.m[fiberos.Gettid()]
}
