package fiber

import (
	"sync"
	"testing"
	"unsafe"
)

func TestStackAllocatorNonOverlapping(t *testing.T) {
	a := NewStackAllocator(4, 256)
	seen := map[int]bool{}
	var bufs [][]byte
	for i := 0; i < 4; i++ {
		buf, idx := a.Allocate()
		if seen[idx] {
			t.Fatalf("slot %d allocated twice", idx)
		}
		seen[idx] = true
		bufs = append(bufs, buf)
	}
	for i := range bufs {
		for j := range bufs {
			if i == j {
				continue
			}
			if overlaps(bufs[i], bufs[j]) {
				t.Fatalf("stacks %d and %d overlap", i, j)
			}
		}
	}
}

func overlaps(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	// distinct backing arrays from separate Allocate calls within a slab
	// are adjacent, non-overlapping slices of the same underlying make();
	// compare by address range.
	pa := uintptr(unsafe.Pointer(&a[0]))
	pb := uintptr(unsafe.Pointer(&b[0]))
	return pa < pb+uintptr(len(b)) && pb < pa+uintptr(len(a))
}

func TestStackAllocatorFreeIsReusable(t *testing.T) {
	a := NewStackAllocator(1, 64)
	_, idx := a.Allocate()
	a.Free(idx)
	_, idx2 := a.Allocate()
	if idx2 != idx {
		t.Fatalf("expected freed slot %d to be reused, got %d", idx, idx2)
	}
}

func TestStackAllocatorGrowsGeometrically(t *testing.T) {
	a := NewStackAllocator(2, 64)
	if a.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", a.Len())
	}
	a.Allocate()
	a.Allocate()
	a.Allocate() // forces growth: third alloc exhausts the initial 2 slots
	if a.Len() <= 2 {
		t.Fatalf("expected allocator to have grown past 2 slots, got %d", a.Len())
	}
}

func TestStackAllocatorConcurrent(t *testing.T) {
	a := NewStackAllocator(4, 128)
	var wg sync.WaitGroup
	idxCh := make(chan int, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, idx := a.Allocate()
			idxCh <- idx
		}()
	}
	wg.Wait()
	close(idxCh)
	seen := map[int]int{}
	for idx := range idxCh {
		seen[idx]++
	}
	for idx, count := range seen {
		if count != 1 {
			t.Fatalf("slot %d allocated %d times concurrently without any Free", idx, count)
		}
	}
}
