// Package logging builds the charm logger that x86trace reports engine
// binding and command diagnostics through. Level, prefix and destination
// come from X86TRACE_LOG_* variables.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// LoggerCloser is a logger paired with the log file it owns, if any.
type LoggerCloser struct {
	*log.Logger
	closer io.Closer
}

// Close releases the log file. Loggers writing to stdio own nothing.
func (lc *LoggerCloser) Close() error {
	if lc.closer != nil {
		return lc.closer.Close()
	}
	return nil
}

// NewLoggerWithWriter returns a logger on w with Kitchen timestamps. w is
// closed by Close unless it is stdout or stderr.
func NewLoggerWithWriter(w io.Writer) *LoggerCloser {
	lg := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})
	lg.SetLevel(levelFromEnv())

	prefix := os.Getenv("X86TRACE_LOG_PREFIX")
	if prefix == "" {
		prefix = "x86trace "
	}

	var closer io.Closer
	if c, ok := w.(io.Closer); ok && w != os.Stderr && w != os.Stdout {
		closer = c
	}

	return &LoggerCloser{
		Logger: lg.WithPrefix(prefix),
		closer: closer,
	}
}

func levelFromEnv() log.Level {
	switch os.Getenv("X86TRACE_LOG_LEVEL") {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	}
	return log.InfoLevel
}

// NewLogger returns the process logger. It writes to stderr, or to
// x86trace-<time>.log in the working directory when X86TRACE_LOG_TO_FILE=1.
// X86TRACE_LOG_LEVEL picks the level (info by default) and
// X86TRACE_LOG_PREFIX replaces the "x86trace " prefix.
func NewLogger() *LoggerCloser {
	output := io.Writer(os.Stderr)

	if os.Getenv("X86TRACE_LOG_TO_FILE") == "1" {
		timestamp := time.Now().Format("20060102-150405")
		logFile := fmt.Sprintf("x86trace-%s.log", timestamp)

		f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err == nil {
			output = f
		}
		// stderr when the file cannot be created
	}

	return NewLoggerWithWriter(output)
}

// IsDebug reports whether X86TRACE_LOG_LEVEL asks for debug output.
func IsDebug() bool {
	return os.Getenv("X86TRACE_LOG_LEVEL") == "debug"
}
