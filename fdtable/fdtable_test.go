package fdtable

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestGetOrCreateClassifiesRegularFile(t *testing.T) {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY, 0)
	if err != nil {
		t.Skipf("cannot open /dev/null: %v", err)
	}
	defer unix.Close(fd)

	tbl := NewTable()
	c := tbl.GetOrCreate(fd, true)
	if c == nil {
		t.Fatal("expected a Context")
	}
	if !c.IsInit() {
		t.Fatal("expected IsInit true for a valid fd")
	}
	if c.IsSocket() {
		t.Fatal("/dev/null should not classify as a socket")
	}
}

func TestGetOrCreateWithoutAutoCreateReturnsNilForUnknownFD(t *testing.T) {
	tbl := NewTable()
	if c := tbl.GetOrCreate(1000, false); c != nil {
		t.Fatal("expected nil for an unregistered fd with autoCreate=false")
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY, 0)
	if err != nil {
		t.Skipf("cannot open /dev/null: %v", err)
	}
	defer unix.Close(fd)

	tbl := NewTable()
	c1 := tbl.GetOrCreate(fd, true)
	c2 := tbl.GetOrCreate(fd, true)
	if c1 != c2 {
		t.Fatal("expected the same Context on repeated GetOrCreate")
	}
}

func TestDropClearsEntry(t *testing.T) {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY, 0)
	if err != nil {
		t.Skipf("cannot open /dev/null: %v", err)
	}
	defer unix.Close(fd)

	tbl := NewTable()
	tbl.GetOrCreate(fd, true)
	tbl.Drop(fd)
	if c := tbl.GetOrCreate(fd, false); c != nil {
		t.Fatal("expected Drop to remove the cached Context")
	}
}

func TestUserNonBlockIsTrackedSeparatelyFromSysNonBlock(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Skipf("cannot create socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	tbl := NewTable()
	c := tbl.GetOrCreate(fds[0], true)
	if c == nil {
		t.Fatal("expected a Context")
	}
	if !c.SysNonBlock() {
		t.Fatal("expected SysNonBlock true: a socket is always put non-blocking by the runtime")
	}
	if c.UserNonBlock() {
		t.Fatal("expected UserNonBlock false until the user explicitly requests it")
	}

	c.SetUserNonBlock(true)
	if !c.UserNonBlock() {
		t.Fatal("expected UserNonBlock true after SetUserNonBlock(true)")
	}
	if !c.SysNonBlock() {
		t.Fatal("SetUserNonBlock must not clear the separately-tracked SysNonBlock flag")
	}
}

func TestGetOrCreateOutOfRangeFDWithoutAutoCreate(t *testing.T) {
	tbl := NewTable()
	// GetOrCreate with autoCreate=false on an fd beyond the table's
	// current length must not panic or grow the table, only report
	// unknown.
	if c := tbl.GetOrCreate(1000, false); c != nil {
		t.Fatal("expected nil, not a panic or a bogus Context")
	}
}
