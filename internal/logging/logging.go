// Package logging builds the root zerolog logger shared by all components.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns the root logger. With debug set, the level is lowered to
// debug; verbose lowers it further to trace. When stderr is a terminal the
// output is rendered with the console writer, otherwise structured JSON is
// emitted as-is.
func New(debug, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	if verbose {
		level = zerolog.TraceLevel
	}

	var out io.Writer = os.Stderr
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
