// Package obslog wraps charmbracelet/log with the handful of conventions
// Anvil needs: a session-scoped logger that tags every line with the run id
// and, for track-scoped messages, the track name. The teacher has no
// structured logger of its own (internal/ux prints raw ANSI directly to
// stdout), so this package is new rather than adapted — charmbracelet/log
// is the same family as the styled output in internal/ux and in the
// gh-aw/Raven example repos.
package obslog

import (
	"os"

	"github.com/charmbracelet/log"
)

// Logger is a thin wrapper so callers don't depend on charmbracelet/log
// directly; it mainly exists to pin the output writer, level, and
// "component"-style prefixing conventions in one place.
type Logger struct {
	*log.Logger
}

// New builds a Logger writing to stderr with timestamps, matching the
// convention of keeping stdout clear for user-facing status output.
func New() *Logger {
	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	})
	return &Logger{Logger: l}
}

// WithRun returns a logger that tags every line with the run id.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{Logger: l.Logger.With("run", runID)}
}

// WithTrack returns a logger that additionally tags every line with a track
// name, for use inside a single Track Runner's goroutine.
func (l *Logger) WithTrack(track string) *Logger {
	return &Logger{Logger: l.Logger.With("track", track)}
}
