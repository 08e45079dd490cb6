// Package monitoring holds the process-wide diagnostic loggers used by the
// calibration packages.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var trace atomic.Bool

// SetTrace enables per-evaluation trace logging.
func SetTrace(on bool) { trace.Store(on) }

// Tracef logs through Logf only when tracing is enabled.
func Tracef(format string, v ...interface{}) {
	if trace.Load() {
		Logf(format, v...)
	}
}
