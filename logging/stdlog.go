package logging

import (
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
)

// StdSink is a minimal Sink backed by the standard library's log.Logger,
// intended for tests and for embedders who do not want the logiface
// dependency pulled in. It matches the shape (and the "atomic level,
// mutex-guarded writer" split) of eventloop.DefaultLogger.
type StdSink struct {
	level atomic.Int32
	mu    sync.Mutex
	out   *log.Logger
}

// NewStdSink creates a StdSink writing to os.Stderr at the given minimum
// level.
func NewStdSink(minLevel Level) *StdSink {
	s := &StdSink{out: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)}
	s.level.Store(int32(minLevel))
	return s
}

func (s *StdSink) SetLevel(level Level) { s.level.Store(int32(level)) }

func (s *StdSink) Enabled(level Level) bool {
	return int32(level) >= s.level.Load()
}

func (s *StdSink) Log(e Entry) {
	if !s.Enabled(e.Level) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Printf("[%s] %s:%d thread=%s(%d) fiber=%d %s",
		e.Level, e.File, e.Line, e.ThreadName, e.ThreadID, e.FiberID, e.Message)
}

var _ Sink = (*StdSink)(nil)

// Fields renders a key/value slice the way ad-hoc call sites in the
// runtime build up context before handing a message to a Sink.
func Fields(kv ...any) string {
	if len(kv) == 0 {
		return ""
	}
	s := ""
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%v=%v", kv[i], kv[i+1])
	}
	return s
}
