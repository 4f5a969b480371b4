package scheduler

import "github.com/qff233/qff/fiber"

// AnyThread is the pinning id meaning "any worker may run this task",
// matching spec §3's "a pinning id of -1 means any worker".
const AnyThread = -1

// task is the Go analogue of original_source's __FiberAndThread: a
// fiber plus the OS thread id (or AnyThread) it is pinned to. A
// callback-backed task has its fiber materialized immediately on
// enqueue, per spec §3 ("If a callback is given, a fiber is
// materialized on enqueue").
type task struct {
	fiber     *fiber.Fiber
	pinnedTID int
}
