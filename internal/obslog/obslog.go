// Package obslog is the ambient structured-logging surface shared by every
// coordination-core component. It binds github.com/joeycumines/logiface to
// the zerolog writer (github.com/joeycumines/izerolog over rs/zerolog),
// matching the teacher module's own logging stack. Components never
// construct a logger themselves; one is always injected at construction.
package obslog

import (
	"io"
	"os"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the event type every component logs through.
type Logger = logiface.Logger[*izerolog.Event]

// New builds a Logger writing newline-delimited JSON to w, at the given
// minimum level. A nil w defaults to os.Stderr.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	return izerolog.L.New(
		izerolog.L.WithZerolog(zl),
		izerolog.L.WithLevel(level),
	)
}

// Discard is a Logger that drops everything, used by tests and by
// components constructed without an explicit logger.
func Discard() *Logger {
	return New(io.Discard, logiface.LevelEmergency)
}

// Named returns a child logger with a persistent "component" field, used
// so that every log line a component emits can be attributed without each
// call site repeating itself.
func Named(l *Logger, component string) *Logger {
	if l == nil {
		l = Discard()
	}
	return l.Clone().Str("component", component).Logger()
}
