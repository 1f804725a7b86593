// Package async launches the server's background goroutines — polling units,
// notification sends, tool-call handlers — with panic containment so a single
// misbehaving unit cannot take down the stdio transport.
package async

import "runtime/debug"

// ErrorReporter receives panic reports. logging.Logger satisfies it.
type ErrorReporter interface {
	Error(format string, args ...any)
}

// Go starts fn on its own goroutine. A panic inside fn is reported under the
// given unit name and absorbed; the process keeps serving.
func Go(reporter ErrorReporter, unit string, fn func()) {
	go func() {
		defer Recover(reporter, unit)
		fn()
	}()
}

// Recover is the deferred half of Go, exported so long-lived loops can guard
// individual sections themselves.
func Recover(reporter ErrorReporter, unit string) {
	r := recover()
	if r == nil || reporter == nil {
		return
	}
	if unit == "" {
		unit = "background"
	}
	reporter.Error("Panic in %s goroutine: %v\n%s", unit, r, debug.Stack())
}
