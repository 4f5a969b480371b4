package fiber

import (
	"sync/atomic"

	"github.com/qff233/qff/fiberos"
)

// DefaultStackSize is the default per-fiber stack budget reservation
// (1 MiB), matching original_source's Fiber(cb, stacksize=1024*1024, ...).
const DefaultStackSize = 1 << 20

// slot is one entry in the allocator's slab, equivalent to Allocater::Node.
type slot struct {
	buf          []byte
	inUse        atomic.Bool
	isSlabOwner  bool
}

// StackAllocator is a slab of fixed-size coroutine stacks with
// free-list reuse, grounded on original_source/src/fiber.cpp's
// Allocater: a vector of {ptr, in_use} nodes, geometric (×1.5) growth,
// and a hint cursor that scans for a free slot before growing.
//
// Go's goroutines manage their own growable stacks, so these buffers do
// not literally become a goroutine's machine stack; they remain the
// resource the spec's invariants are defined over (pairwise
// non-overlapping byte ranges per stack_size, eligible for reuse after
// free), preserving the allocator's observable contract. A Fiber keeps
// only its slot index; it does not expose or use the buffer itself.
type StackAllocator struct {
	stackSize int
	mu        fiberos.RWMutex
	slots     []*slot
	hint      atomic.Int64
	missCount atomic.Int32
}

// NewStackAllocator creates an allocator with amount initial slots of
// stackSize bytes each, all in one slab.
func NewStackAllocator(amount, stackSize int) *StackAllocator {
	a := &StackAllocator{stackSize: stackSize}
	a.growLocked(amount)
	return a
}

// growLocked appends a new slab of `amount` slots, the first of which
// is flagged as the slab owner (mirrors Allocater::resize marking
// m_memorys[old_size].is_create_base = true — the single ::malloc call
// backing the whole new range).
func (a *StackAllocator) growLocked(amount int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	old := len(a.slots)
	backing := make([]byte, amount*a.stackSize)
	for i := 0; i < amount; i++ {
		s := &slot{buf: backing[i*a.stackSize : (i+1)*a.stackSize : (i+1)*a.stackSize]}
		if i == 0 {
			s.isSlabOwner = true
		}
		a.slots = append(a.slots, s)
	}
	a.hint.Store(int64(old))
}

// Allocate returns a stack buffer and its slot index. It scans from the
// hint cursor; if three consecutive scans find no free slot, it grows
// geometrically (×1.5) and resets the hint to the first new slot —
// matching Allocater::malloc's search_count == 3 growth trigger.
func (a *StackAllocator) Allocate() ([]byte, int) {
	for {
		a.mu.RLock()
		n := len(a.slots)
		start := int(a.hint.Load())
		found := -1
		for i := 0; i < n; i++ {
			idx := (start + i) % n
			if a.slots[idx].inUse.CompareAndSwap(false, true) {
				found = idx
				break
			}
		}
		a.mu.RUnlock()

		if found >= 0 {
			a.hint.Store(int64((found + 1) % n))
			a.missCount.Store(0)
			return a.slots[found].buf, found
		}

		if a.missCount.Add(1) >= 3 {
			a.missCount.Store(0)
			newStart := n
			grow := n / 2
			if grow < 1 {
				grow = 1
			}
			a.growLocked(grow)
			a.hint.Store(int64(newStart))
		}
	}
}

// Free clears the slot's in-use flag, making it eligible for reuse on
// the next Allocate.
func (a *StackAllocator) Free(idx int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if idx < 0 || idx >= len(a.slots) {
		return
	}
	a.slots[idx].inUse.Store(false)
}

// Len returns the current slot count, for tests.
func (a *StackAllocator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.slots)
}
