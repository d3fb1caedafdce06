// Package monitoring holds the diagnostic logger and the Prometheus metrics
// shared by the replay server.
package monitoring

import (
	"log"
	"sync/atomic"
)

// LogFunc is the signature of the diagnostic logger.
type LogFunc func(format string, v ...interface{})

var logger atomic.Pointer[LogFunc]

func init() {
	SetLogger(log.Printf)
}

// Logf writes a diagnostic line through the current logger. It defaults to
// log.Printf and is safe to call from any goroutine while SetLogger runs.
func Logf(format string, v ...interface{}) {
	(*logger.Load())(format, v...)
}

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f LogFunc) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	logger.Store(&f)
}

// Component returns a logger that prefixes every line with "[name] ".
func Component(name string) LogFunc {
	prefix := "[" + name + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
