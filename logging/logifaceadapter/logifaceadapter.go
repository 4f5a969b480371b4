// Package logifaceadapter wires github.com/joeycumines/logiface, with the
// github.com/joeycumines/stumpy JSON writer backend, into the runtime's
// logging.Sink contract. This is the "real structured logging stack"
// referenced by SPEC_FULL.md's Ambient Stack section: the core packages
// never import logiface directly, they only ever see a logging.Sink.
package logifaceadapter

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"github.com/qff233/qff/logging"
)

// Sink adapts a *logiface.Logger[*stumpy.Event] to logging.Sink.
type Sink struct {
	logger *logiface.Logger[*stumpy.Event]
}

// New builds a Sink writing newline-delimited JSON to w (os.Stderr if nil),
// using stumpy as the event implementation.
func New(w io.Writer, minLevel logging.Level) *Sink {
	if w == nil {
		w = os.Stderr
	}
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(toLogifaceLevel(minLevel)),
	)
	return &Sink{logger: logger}
}

func toLogifaceLevel(l logging.Level) logiface.Level {
	switch l {
	case logging.LevelDebug:
		return logiface.LevelDebug
	case logging.LevelInfo:
		return logiface.LevelInformational
	case logging.LevelWarn:
		return logiface.LevelWarning
	case logging.LevelError:
		return logiface.LevelError
	case logging.LevelFatal:
		return logiface.LevelCritical
	default:
		return logiface.LevelInformational
	}
}

func (s *Sink) Enabled(level logging.Level) bool {
	return s.logger.Level() >= toLogifaceLevel(level)
}

func (s *Sink) Log(e logging.Entry) {
	b := s.logger.Build(toLogifaceLevel(e.Level))
	if b == nil {
		return
	}
	b.Str("file", e.File).
		Int("line", e.Line).
		Str("thread_name", e.ThreadName).
		Int("thread_id", e.ThreadID).
		Int64("fiber_id", int64(e.FiberID)).
		Log(e.Message)
}

var _ logging.Sink = (*Sink)(nil)
