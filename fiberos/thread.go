package fiberos

import (
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// perThread holds the thread-local state original_source kept as
// thread_local Thread*/string (qff::Thread::GetThis/GetName). Go has no
// compiler-level thread-local storage; since a Thread's goroutine is
// pinned for its entire lifetime via runtime.LockOSThread, its gettid()
// is stable, so it doubles as the thread-local key.
type perThread struct {
	thread *Thread
	name   string
}

var currentThread = struct {
	mu sync.RWMutex
	m  map[int]*perThread
}{m: make(map[int]*perThread)}

func setThreadLocal(t *Thread, name string) {
	currentThread.mu.Lock()
	defer currentThread.mu.Unlock()
	currentThread.m[unix.Gettid()] = &perThread{thread: t, name: name}
}

// GetThis returns the Thread owning the calling OS thread, or nil if the
// calling thread was not spawned via NewThread (e.g. the process's
// original main thread, or a use-caller scheduler's adopting thread).
func GetThis() *Thread {
	currentThread.mu.RLock()
	defer currentThread.mu.RUnlock()
	if pt := currentThread.m[unix.Gettid()]; pt != nil {
		return pt.thread
	}
	return nil
}

// GetName returns the name of the calling OS thread, "UNKNOWN" if unset.
func GetName() string {
	currentThread.mu.RLock()
	defer currentThread.mu.RUnlock()
	if pt := currentThread.m[unix.Gettid()]; pt != nil {
		return pt.name
	}
	return "UNKNOWN"
}

// SetName renames the calling OS thread's thread-local entry (creating
// one if the thread was not spawned via NewThread).
func SetName(name string) {
	currentThread.mu.Lock()
	defer currentThread.mu.Unlock()
	tid := unix.Gettid()
	pt := currentThread.m[tid]
	if pt == nil {
		pt = &perThread{}
		currentThread.m[tid] = pt
	}
	pt.name = name
	if pt.thread != nil {
		pt.thread.name = name
	}
}

// Thread owns one OS thread, pinned with runtime.LockOSThread so the OS
// thread id it reports (via gettid) stays stable for the thread's
// lifetime — required for the scheduler's pinning guarantee (spec §4.2)
// and scenario 4 (pinned task records the OS thread id it ran on).
//
// Grounded on original_source/src/thread.h: Thread(CallBackType, name),
// join(), get_id(), get_name(), GetThis()/GetName()/SetName() as
// thread-locals.
type Thread struct {
	id       int
	name     string
	cb       func()
	started  *Semaphore
	done     chan struct{}
}

// NewThread spawns a new OS thread running cb, with the given name
// (truncated the way pthread_setname_np truncates to 15 bytes). It
// blocks until the thread has recorded its OS thread id and announced
// itself via its start semaphore, mirroring the constructor semantics
// of qff::Thread (construction does not return until the thread has
// begun running Thread::Run).
func NewThread(name string, cb func()) *Thread {
	if name == "" {
		name = "UNKNOWN"
	}
	if len(name) > 15 {
		name = name[:15]
	}
	t := &Thread{
		name:    name,
		cb:      cb,
		started: NewSemaphore(0),
		done:    make(chan struct{}),
	}
	go t.run()
	t.started.Wait()
	return t
}

func (t *Thread) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)

	t.id = unix.Gettid()
	setThreadLocal(t, t.name)
	t.started.Notify()

	t.cb()
}

// Join blocks until the thread's callback has returned.
func (t *Thread) Join() { <-t.done }

// ID returns the OS thread id (gettid), valid once the thread has
// started (NewThread does not return until that is true).
func (t *Thread) ID() int { return t.id }

// Name returns the (possibly truncated) thread name.
func (t *Thread) Name() string { return t.name }
