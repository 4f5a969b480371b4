package scheduler

import "github.com/qff233/qff/fiber"

// Impl is the scheduler's set of overridable extension points —
// original_source's virtual init()/tickle()/stopping()/idle() on
// qff::Scheduler. Go has no class inheritance to override, so a
// Scheduler instead holds an Impl and calls out to it; reactor wires
// its own Impl (epoll wait in Idle, eventfd write in Tickle, a
// Stopping that also requires the pending I/O and timer sets to be
// drained) via WithImpl, exactly the way original_source's IOManager
// subclasses Scheduler and overrides these four methods.
type Impl interface {
	// Init runs once per worker OS thread, right after the fiber
	// engine's anchor fiber has been installed and before the
	// dispatch loop's first scan.
	Init(s *Scheduler)

	// Idle is the body of each worker's idle fiber: it must
	// cooperatively yield (YieldToHold) rather than busy-loop, and
	// return only once it is both requested to stop and Stopping
	// reports true — returning settles the idle fiber into TERM,
	// which is the dispatch loop's signal to retire that worker.
	Idle(s *Scheduler)

	// Tickle wakes any worker currently parked in Idle. The default
	// implementation is a no-op (logged), since the default Idle
	// loop simply re-checks its condition on every Resume; reactor's
	// override writes to a wakeup fd to interrupt an epoll_wait.
	Tickle(s *Scheduler)

	// Stopping reports whether this scheduler (and anything layered
	// on top of it) has drained enough to actually stop. The default
	// always returns true; reactor's override additionally demands
	// pending_event_count == 0 and an empty timer set.
	Stopping(s *Scheduler) bool
}

// defaultImpl is original_source's default virtual method bodies:
// init/tickle are no-ops, stopping is unconditionally true, and idle
// is an infinite YieldToHold loop gated on stop-and-stopping.
type defaultImpl struct{}

func (defaultImpl) Init(s *Scheduler) {}

func (defaultImpl) Idle(s *Scheduler) {
	for {
		if s.stopRequested.Load() && s.impl.Stopping(s) {
			return
		}
		fiber.YieldToHold()
	}
}

func (defaultImpl) Tickle(s *Scheduler) {
	logSchedulerEvent(s, "tickle (default no-op)")
}

func (defaultImpl) Stopping(s *Scheduler) bool { return true }
