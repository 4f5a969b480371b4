package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestReactorTimerFiresScheduledCallback(t *testing.T) {
	r, err := New("rt1", 1, false)
	require.NoError(t, err)
	r.Start()

	done := make(chan struct{})
	r.AddTimer(10, func() { close(done) }, false)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer callback never ran")
	}
	r.Stop()
}

func TestReactorAddEventFiresOnReadability(t *testing.T) {
	r, err := New("rt2", 2, false)
	require.NoError(t, err)
	r.Start()
	defer r.Stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	readFD, writeFD := fds[0], fds[1]
	defer unix.Close(readFD)
	defer unix.Close(writeFD)

	done := make(chan struct{})
	require.NoError(t, r.AddEvent(readFD, EventRead, func() { close(done) }))

	_, err = unix.Write(writeFD, []byte("x"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read-readiness callback never ran")
	}
}

func TestReactorCancelEventForcesWakeup(t *testing.T) {
	r, err := New("rt3", 1, false)
	require.NoError(t, err)
	r.Start()
	defer r.Stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	readFD, writeFD := fds[0], fds[1]
	defer unix.Close(readFD)
	defer unix.Close(writeFD)

	ran := make(chan struct{})
	require.NoError(t, r.AddEvent(readFD, EventRead, func() { close(ran) }))
	// Nobody ever writes to writeFD: only CancelEvent should wake this up.
	assert.True(t, r.CancelEvent(readFD, EventRead), "CancelEvent on a pending registration should report true")

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("CancelEvent did not force the handler to run")
	}
}

func TestReactorCancelAllRemovesBothDirections(t *testing.T) {
	r, err := New("rt4", 1, false)
	require.NoError(t, err)
	r.Start()
	defer r.Stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	readFD := fds[0]
	defer unix.Close(fds[1])
	defer unix.Close(readFD)

	readRan := make(chan struct{})
	writeRan := make(chan struct{})
	require.NoError(t, r.AddEvent(readFD, EventRead, func() { close(readRan) }))
	require.NoError(t, r.AddEvent(readFD, EventWrite, func() { close(writeRan) }))

	r.CancelAll(readFD)

	for _, ch := range []chan struct{}{readRan, writeRan} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("CancelAll did not force every registered handler to run")
		}
	}
}
