// Package log provides the pluggable logger used across every package in
// this module. It mirrors the logging surface the rest of the ecosystem
// expects: printf-style methods at five levels, selected by a single string.
package log

import (
	"github.com/microlib/simple"
)

// PluggableLoggerInterface is the logging surface every package depends on.
// Callers substitute their own implementation in tests; production code
// always gets one built by New.
type PluggableLoggerInterface interface {
	Trace(msg string, val ...interface{})
	Debug(msg string, val ...interface{})
	Info(msg string, val ...interface{})
	Warn(msg string, val ...interface{})
	Error(msg string, val ...interface{})
}

// New returns a logger at the given level (one of trace, debug, info, warn,
// error). An unrecognised level falls back to microlib's own default.
func New(level string) PluggableLoggerInterface {
	return &simple.Log{Level: level}
}
