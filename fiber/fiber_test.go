package fiber

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withAnchor(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(done)
		Init()
		fn()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("test timed out")
	}
}

func TestFiberCooperativeYield(t *testing.T) {
	withAnchor(t, func() {
		alloc := NewStackAllocator(2, 4096)
		var order []string

		a := New(alloc, func() {
			order = append(order, "1")
			YieldToReady()
			order = append(order, "3")
		}, 4096)

		a.Resume()
		require.Equal(t, StateReady, a.State(), "expected READY after first yield")
		order = append(order, "2")
		a.Resume()
		require.Equal(t, StateTerm, a.State(), "expected TERM after completion")

		assert.Equal(t, []string{"1", "2", "3"}, order)
	})
}

func TestFiberHoldRequiresExternalResume(t *testing.T) {
	withAnchor(t, func() {
		alloc := NewStackAllocator(1, 4096)
		ran := false
		f := New(alloc, func() {
			YieldToHold()
			ran = true
		}, 4096)

		f.Resume()
		require.Equal(t, StateHold, f.State())
		assert.False(t, ran, "fiber body ran past YieldToHold before being resumed again")

		f.Resume()
		require.Equal(t, StateTerm, f.State())
		assert.True(t, ran, "fiber body did not resume past YieldToHold")
	})
}

func TestFiberPanicBecomesExcept(t *testing.T) {
	withAnchor(t, func() {
		alloc := NewStackAllocator(1, 4096)
		f := New(alloc, func() {
			panic("boom")
		}, 4096)

		f.Resume()
		require.Equal(t, StateExcept, f.State())
		assert.Equal(t, "boom", f.PanicValue())
	})
}

func TestFiberResetAfterTerm(t *testing.T) {
	withAnchor(t, func() {
		alloc := NewStackAllocator(1, 4096)
		calls := 0
		f := New(alloc, func() { calls++ }, 4096)

		f.Resume()
		require.Equal(t, StateTerm, f.State())

		f.Reset(func() { calls++ })
		require.Equal(t, StateInit, f.State(), "expected INIT after Reset")

		f.Resume()
		require.Equal(t, StateTerm, f.State())
		assert.Equal(t, 2, calls)
	})
}

func TestResumeOnExecFiberIsContractViolation(t *testing.T) {
	withAnchor(t, func() {
		alloc := NewStackAllocator(1, 4096)
		f := New(alloc, func() { YieldToHold() }, 4096)
		f.state.Store(int32(StateExec)) // an already-EXEC fiber, by construction

		defer func() {
			assert.NotNil(t, recover(), "expected Resume on an EXEC fiber to panic")
		}()
		f.Resume()
	})
}
