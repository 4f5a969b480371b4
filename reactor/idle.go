package reactor

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/qff233/qff/fiber"
	"github.com/qff233/qff/logging"
	"github.com/qff233/qff/scheduler"
)

// Init registers this worker OS thread as the reactor owning it, so
// GetThis (and therefore the hook layer) can find it. Satisfies
// scheduler.Impl.
func (r *Reactor) Init(s *scheduler.Scheduler) {
	setCurrent(r)
	logEvent(logging.LevelDebug, "reactor worker init")
}

// Idle is the reactor's per-worker idle fiber body: block in
// epoll_wait for however long until the next timer is due (capped at
// maxIdleWaitMS), schedule whatever fired, schedule every expired
// timer's callback, then yield back to the dispatch loop so it can pick
// up anything just scheduled. Returns only once stopping has been
// requested and Stopping reports true. Satisfies scheduler.Impl.
//
// Matches spec §4.4's idle loop, including the fix recorded in
// DESIGN.md: only the events bits epoll_wait actually reported for an
// fd are triggered (real_events), never every bit the fd happens to
// be registered for.
func (r *Reactor) Idle(s *scheduler.Scheduler) {
	events := make([]unix.EpollEvent, 64)
	for {
		if s.StopRequested() && r.Stopping(s) {
			return
		}

		timeoutMS := r.timers.NextDeadlineMS()
		if timeoutMS < 0 || timeoutMS > maxIdleWaitMS {
			timeoutMS = maxIdleWaitMS
		}

		n, err := unix.EpollWait(r.epfd, events, int(timeoutMS))
		if err != nil {
			if err != unix.EINTR {
				logEvent(logging.LevelError, "epoll_wait failed")
			}
			fiber.YieldToHold()
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.wakeFD {
				r.drainWake()
				continue
			}
			real := epollToEventType(events[i].Events)
			if real&EventRead != 0 {
				r.triggerAndClear(fd, EventRead)
			}
			if real&EventWrite != 0 {
				r.triggerAndClear(fd, EventWrite)
			}
		}

		for _, cb := range r.timers.CollectExpired() {
			r.sched.ScheduleFunc(cb, scheduler.AnyThread)
		}

		fiber.YieldToHold()
	}
}

// Tickle wakes any worker currently parked in epoll_wait, by writing
// to the reactor's eventfd — but only if a worker is actually idle, to
// avoid a pointless syscall on every schedule call when every worker
// is already busy. Satisfies scheduler.Impl.
func (r *Reactor) Tickle(s *scheduler.Scheduler) {
	if s.IdleThreadCount() <= 0 {
		return
	}
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, _ = unix.Write(r.wakeFD, buf)
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(r.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

// Stopping reports whether it is safe to actually stop: no I/O
// registrations are pending and no timer (recurring or not) remains.
// Satisfies scheduler.Impl.
func (r *Reactor) Stopping(s *scheduler.Scheduler) bool {
	return r.pendingEventCount.Load() == 0 && r.timers.Stopping()
}
