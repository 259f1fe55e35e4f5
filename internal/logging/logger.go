package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("DEBUG") == "true" {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// SetDebug toggles debug output at runtime (e.g. from a --debug flag)
func SetDebug(enabled bool) {
	if enabled {
		base.SetLevel(logrus.DebugLevel)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}
}

// DebugEnabled reports whether debug messages are emitted
func DebugEnabled() bool {
	return base.IsLevelEnabled(logrus.DebugLevel)
}

// Logger returns the underlying logrus logger
func Logger() *logrus.Logger {
	return base
}

// Info logs an informational message (always shown)
func Info(subsystem, format string, args ...any) {
	base.WithField("subsystem", subsystem).Infof(format, args...)
}

// Debug logs a debug message (only shown if DEBUG=true)
func Debug(subsystem, format string, args ...any) {
	base.WithField("subsystem", subsystem).Debugf(format, args...)
}

// Warn logs a recoverable problem
func Warn(subsystem, format string, args ...any) {
	base.WithField("subsystem", subsystem).Warnf(format, args...)
}

// Error logs a failure
func Error(subsystem, format string, args ...any) {
	base.WithField("subsystem", subsystem).Errorf(format, args...)
}

// Truncate truncates a string to maxLen runes and adds ellipsis
func Truncate(s string, maxLen int) string {
	// Replace newlines with spaces for one-line logs
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
