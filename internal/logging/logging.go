// Package logging binds the structured-logging facade used throughout the
// transport core to a concrete backend.
package logging

import (
	"io"
	"os"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the concrete logger type passed to every Connection and
// Endpoint. Components never depend on a specific backend; they take a
// *Logger and call the logiface.Logger builder methods (Info, Err, Str...).
type Logger = logiface.Logger[*izerolog.Event]

// New constructs a Logger writing to w (os.Stderr if nil) at the given
// logiface level. logiface.LevelDisabled is replaced with
// logiface.LevelInformational.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	if level == logiface.LevelDisabled {
		level = logiface.LevelInformational
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	return izerolog.L.New(izerolog.L.WithZerolog(zl), logiface.WithLevel[*izerolog.Event](level))
}

// Discard returns a Logger that drops everything, for components created
// without an explicit log handle (matching spec.md's nullable log handle).
func Discard() *Logger {
	return New(io.Discard, logiface.LevelInformational)
}

// Named returns a child logger with a "component" field set, mirroring how
// spec.md's Connection carries one log handle shared by its sub-components.
func Named(l *Logger, component string) *Logger {
	if l == nil {
		l = Discard()
	}
	return l.Clone().Str("component", component).Logger()
}
