package voice

import (
	"log"
	"os"
)

// Logger is the swappable logging sink used throughout this package. It
// keeps a plain debug/error split rather than a leveled logging library,
// since that's the only granularity anything here needs.
type Logger interface {
	Debugf(format string, args ...any)
	Errorf(format string, args ...any)
}

// defaultLogger backs Logger with the standard library's log.Logger.
// Debugf is silent by default; pass a Logger via WithLogger for verbose
// output.
type defaultLogger struct {
	err *log.Logger
}

func newDefaultLogger() *defaultLogger {
	return &defaultLogger{err: log.New(os.Stderr, "voice: ", log.LstdFlags)}
}

func (l *defaultLogger) Debugf(format string, args ...any) {}

func (l *defaultLogger) Errorf(format string, args ...any) {
	l.err.Printf(format, args...)
}

// verboseLogger is a Logger that also prints Debugf calls, used by
// WithVerboseLogging.
type verboseLogger struct {
	*defaultLogger
}

func (l *verboseLogger) Debugf(format string, args ...any) {
	l.err.Printf(format, args...)
}
