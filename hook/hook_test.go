package hook

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/qff233/qff/fdtable"
	"github.com/qff233/qff/reactor"
	"github.com/qff233/qff/scheduler"
)

func TestEnableIsPerOSThread(t *testing.T) {
	if Enabled() {
		t.Fatal("expected hook to start disabled on a fresh OS thread")
	}
	Enable(true)
	defer Enable(false)
	if !Enabled() {
		t.Fatal("expected Enable(true) to take effect on the calling thread")
	}
}

func TestSockoptTimeoutRoundTrip(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := SetSockoptTimeout(fds[0], true, 250*time.Millisecond); err != nil {
		t.Fatalf("SetSockoptTimeout: %v", err)
	}
	d, ok := GetSockoptTimeout(fds[0], true)
	if !ok {
		t.Fatal("expected GetSockoptTimeout to report a value after SetSockoptTimeout")
	}
	if d != 250*time.Millisecond {
		t.Fatalf("GetSockoptTimeout = %v, want 250ms", d)
	}
}

// TestReadParksUntilWritable exercises hook.Read's do_io path end to
// end: a fiber scheduled on a reactor worker blocks in Read until data
// arrives on the paired fd, without ever blocking the OS thread (a
// second task scheduled on the same single-worker reactor runs
// concurrently while the read is parked).
func TestReadParksUntilWritable(t *testing.T) {
	r, err := reactor.New("hook-read", 1, false)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	r.Start()
	defer r.Stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	readFD, writeFD := fds[0], fds[1]
	defer unix.Close(readFD)
	defer unix.Close(writeFD)
	if err := unix.SetNonblock(readFD, true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	// doIO only parks on fds the shared fdtable already classifies.
	fdtable.Global().GetOrCreate(readFD, true)
	defer fdtable.Global().Drop(readFD)

	result := make(chan string, 1)
	r.Scheduler().ScheduleFunc(func() {
		Enable(true)
		buf := make([]byte, 16)
		n, err := Read(readFD, buf)
		if err != nil {
			result <- "error: " + err.Error()
			return
		}
		result <- string(buf[:n])
	}, scheduler.AnyThread)

	otherRan := make(chan struct{})
	r.Scheduler().ScheduleFunc(func() { close(otherRan) }, scheduler.AnyThread)

	select {
	case <-otherRan:
	case <-time.After(2 * time.Second):
		t.Fatal("a concurrently scheduled task never ran while the read was parked")
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := unix.Write(writeFD, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-result:
		if got != "hello" {
			t.Fatalf("Read returned %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked Read never woke up after the peer wrote")
	}
}

func TestConnectTimesOutOnUnreachablePeer(t *testing.T) {
	r, err := reactor.New("hook-connect", 1, false)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	r.Start()
	defer r.Stop()

	// A TCP socket connecting to a black-hole address (TEST-NET-1,
	// RFC 5737) will sit in SYN_SENT and never complete, exercising
	// the timeout path without depending on external network access.
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	defer unix.Close(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	// Connect only takes the timeout path for fds the shared fdtable
	// already classifies.
	fdtable.Global().GetOrCreate(fd, true)
	defer fdtable.Global().Drop(fd)

	resultCh := make(chan error, 1)
	r.Scheduler().ScheduleFunc(func() {
		Enable(true)
		addr := &unix.SockaddrInet4{Port: 81, Addr: [4]byte{192, 0, 2, 1}}
		resultCh <- Connect(fd, addr, 100)
	}, scheduler.AnyThread)

	select {
	case err := <-resultCh:
		if !errors.Is(err, unix.ETIMEDOUT) {
			t.Fatalf("Connect error = %v, want ETIMEDOUT", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Connect never returned")
	}
}
