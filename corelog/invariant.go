package corelog

import (
	"runtime"
)

// callerStack renders up to 8 frames, starting at the caller of the function
// that invoked callerStack, as function names.
func callerStack() []string {
	var pcs [8]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]string, 0, n)
	for {
		f, more := frames.Next()
		out = append(out, f.Function)
		if !more {
			break
		}
	}
	return out
}

// Fatal logs category/msg/kvs at critical level with an attached call stack,
// then panics. Invariant violations in this runtime are programmer errors,
// not recoverable conditions, so the response is to crash loudly rather
// than limp on with corrupted scheduler state.
func Fatal(category, msg string, kvs ...any) {
	kvs = append(kvs, "stack", callerStack())
	fields(base.Crit().Str("category", category), kvs).Log(msg)
	panic(category + ": " + msg)
}

// Check panics via Fatal if cond is false. Intended for asserting a
// documented invariant the caller is responsible for upholding, where
// violating it indicates a bug in the caller rather than a condition the
// runtime can recover from.
func Check(cond bool, category, msg string, kvs ...any) {
	if !cond {
		Fatal(category, msg, kvs...)
	}
}
