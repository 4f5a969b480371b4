// Package timer implements a deadline-ordered timer set: add one-shot
// or recurring callbacks, cancel or refresh them, and collect whatever
// has expired by "now" in one sweep.
//
// Grounded on original_source/qff/timer.cpp and src/timer.h
// (qff::Timer, qff::TimerManager: a std::set ordered by next deadline,
// add_timer's "inserted at front" tickle, detect_clock_rollover,
// list_expired_cb, add_cond_timer's weak-handle guard). The ordered
// set becomes a container/heap, the same structure and interface
// eventloop/loop.go uses for its own timerHeap — idiomatic Go has no
// balanced-tree container in the standard library, so a heap is the
// natural replacement for std::set here.
package timer

import (
	"container/heap"
	"time"

	"github.com/qff233/qff/fiberos"
)

// nowMS is the clock original_source's GetCurrentMS reads: wall-clock
// Unix milliseconds. It is not monotonic; a large backward jump is
// handled by detectClockRolloverLocked.
func nowMS() int64 { return time.Now().UnixMilli() }

// Timer is a single scheduled callback, returned by Manager.Add so the
// caller can Cancel, Refresh, or Reset it later.
type Timer struct {
	index     int // heap index, maintained by container/heap
	recurring bool
	ms        int64
	next      int64
	cb        func()
	cond      func() bool // weak-handle guard for conditional timers; nil means unconditional
	manager   *Manager
}

// Cancel removes the timer before it fires. Returns false if it had
// already fired (one-shot) or was never in the set.
func (t *Timer) Cancel() bool {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&m.timers, t.index)
	t.index = -1
	t.cb = nil
	return true
}

// Refresh pushes the timer's next deadline out by its original
// interval, measured from now — original_source's Timer::refresh.
func (t *Timer) Refresh() bool {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.index < 0 || t.cb == nil {
		return false
	}
	heap.Remove(&m.timers, t.index)
	t.next = nowMS() + t.ms
	heap.Push(&m.timers, t)
	m.tickleIfFrontLocked(t)
	return true
}

// Reset changes the timer's interval. If fromNow is true the new
// deadline is measured from the current time; otherwise it is measured
// from the timer's original start time, preserving phase.
func (t *Timer) Reset(ms int64, fromNow bool) bool {
	if ms == t.ms && !fromNow {
		return true
	}
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.index < 0 || t.cb == nil {
		return false
	}
	heap.Remove(&m.timers, t.index)

	var start int64
	if fromNow {
		start = nowMS()
	} else {
		start = t.next - t.ms
	}
	t.ms = ms
	t.next = start + ms

	heap.Push(&m.timers, t)
	m.tickleIfFrontLocked(t)
	return true
}

// timerHeap is a min-heap ordered by next deadline, matching
// eventloop/loop.go's timerHeap shape and heap.Interface
// implementation, specialized to *Timer so Cancel/Refresh/Reset can
// heap.Remove by stored index.
type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].next < h[j].next }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// FrontChanged is called whenever a newly added or refreshed timer
// becomes the new soonest deadline, so a reactor can recompute the
// duration it should block in epoll_wait for — original_source's
// pure-virtual on_timer_inserted_into_front.
type FrontChanged func()

// Manager is a timer set, safe for concurrent use. The zero value is
// not usable; construct with New.
type Manager struct {
	mu           fiberos.RWMutex
	timers       timerHeap
	previousMS   int64
	tickled      bool
	frontChanged FrontChanged
}

// New creates an empty Manager. onFrontChanged may be nil, in which
// case front-of-queue changes are simply not reported.
func New(onFrontChanged FrontChanged) *Manager {
	return &Manager{
		previousMS:   nowMS(),
		frontChanged: onFrontChanged,
	}
}

// Add schedules cb to run after ms milliseconds (and every ms
// milliseconds thereafter, if recurring).
func (m *Manager) Add(ms int64, cb func(), recurring bool) *Timer {
	t := &Timer{
		recurring: recurring,
		ms:        ms,
		next:      nowMS() + ms,
		cb:        cb,
		manager:   m,
		index:     -1,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(t)
	return t
}

// AddConditional schedules cb like Add, but the callback only actually
// runs if cond() returns true at fire time — the Go-idiomatic
// replacement for add_cond_timer's std::weak_ptr guard, which exists
// in original_source solely to skip firing into an object that was
// destroyed before the timer went off. A closure over a bool (or any
// liveness check) serves the same purpose without weak pointers, which
// Go has no equivalent of.
func (m *Manager) AddConditional(ms int64, cb func(), cond func() bool, recurring bool) *Timer {
	t := m.Add(ms, cb, recurring)
	t.cond = cond
	return t
}

func (m *Manager) insertLocked(t *Timer) {
	heap.Push(&m.timers, t)
	m.tickleIfFrontLocked(t)
}

func (m *Manager) tickleIfFrontLocked(t *Timer) {
	if len(m.timers) == 0 || m.timers[0] != t {
		return
	}
	if m.tickled {
		return
	}
	m.tickled = true
	if m.frontChanged != nil {
		m.frontChanged()
	}
}

// NextDeadlineMS returns how many milliseconds until the soonest timer
// should fire: 0 if one is already due, or -1 if the set is empty. It also performs rollover detection, matching
// get_next_time's call to detect_clock_rollover before reading the set.
func (m *Manager) NextDeadlineMS() int64 {
	m.mu.Lock()
	m.tickled = false
	now := nowMS()
	m.detectClockRolloverLocked(now)
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.timers) == 0 {
		return -1 // no timer pending; caller should block indefinitely
	}
	next := m.timers[0].next
	if now >= next {
		return 0
	}
	return next - now
}

// HasTimer reports whether any timer is currently pending.
func (m *Manager) HasTimer() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.timers) > 0
}

// detectClockRolloverLocked guards against a backward jump in the
// clock reading (original_source tolerated up to one hour of
// backward drift before concluding the clock rolled over, since
// wall-clock-derived "now" can still jump slightly under NTP
// adjustment); on rollover it shifts every pending deadline by the
// observed distance so relative ordering survives.
func (m *Manager) detectClockRolloverLocked(now int64) {
	const hourMS = 60 * 60 * 1000
	if now >= m.previousMS || now >= m.previousMS-hourMS {
		m.previousMS = now
		return
	}
	distance := now - m.previousMS
	for _, t := range m.timers {
		t.next += distance
	}
	m.previousMS = now
}

// CollectExpired removes and returns the callbacks of every timer
// whose deadline has passed, re-inserting recurring ones at their next
// deadline — original_source's list_expired_cb. Conditional timers
// whose cond() now reports false are dropped silently, never invoked.
func (m *Manager) CollectExpired() []func() {
	now := nowMS()

	m.mu.RLock()
	empty := len(m.timers) == 0
	m.mu.RUnlock()
	if empty {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []func()
	var recur []*Timer
	for len(m.timers) > 0 && m.timers[0].next <= now {
		t := heap.Pop(&m.timers).(*Timer)
		cb, cond := t.cb, t.cond
		if cb != nil && (cond == nil || cond()) {
			expired = append(expired, cb)
		}
		if t.recurring {
			t.next = now + t.ms
			recur = append(recur, t)
		} else {
			t.cb = nil
		}
	}
	for _, t := range recur {
		heap.Push(&m.timers, t)
	}
	return expired
}

// Stopping reports whether the timer set is empty (no one-shot or
// recurring timer is pending), i.e. there is nothing left to wait on —
// used by a reactor's Stopping override.
func (m *Manager) Stopping() bool {
	return !m.HasTimer()
}

// Stop discards every recurring timer, matching
// timer_manager_stop: once a reactor is shutting down, recurring
// timers would otherwise re-arm themselves forever.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.timers[:0]
	for _, t := range m.timers {
		if t.recurring {
			t.index = -1
			continue
		}
		t.index = len(kept)
		kept = append(kept, t)
	}
	m.timers = kept
	heap.Init(&m.timers)
}
