package fiberos

import "golang.org/x/sys/unix"

// Gettid returns the calling OS thread's id. Exported so other packages
// (fiber, scheduler, reactor, logging adapters) can key their own
// per-thread bookkeeping the same way Thread does internally, without
// each reimplementing the syscall.
func Gettid() int { return unix.Gettid() }
