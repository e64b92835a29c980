// Package corelog provides the structured logging and invariant-checking
// facility shared by the scheduler, reactor, and timer set. It wraps
// logiface with a stumpy JSON backend, and throttles repetitive categories
// (e.g. a fd flapping between armed and disarmed) through catrate so a
// misbehaving task cannot flood stderr.
package corelog

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// base is the JSON logger every category-tagged helper below writes
// through. stumpy.WithStumpy defaults to stderr, matching how a scheduler
// or reactor that dies mid-request should surface its last lines: on the
// process's error stream, not buffered in a file no one is tailing yet.
var base = stumpy.L.New(
	stumpy.L.WithStumpy(),
)

// floodLimiter bounds each log category to 20 lines per second and 200 per
// minute; once exceeded, further lines in that category are dropped until
// the window clears rather than risk a runaway task wedging stderr.
var floodLimiter = catrate.NewLimiter(map[time.Duration]int{
	time.Second: 20,
	time.Minute: 200,
})

func allowed(category string) bool {
	_, ok := floodLimiter.Allow(category)
	return ok
}

func fields(b *logiface.Builder[*stumpy.Event], kvs []any) *logiface.Builder[*stumpy.Event] {
	for i := 0; i+1 < len(kvs); i += 2 {
		key, _ := kvs[i].(string)
		switch v := kvs[i+1].(type) {
		case string:
			b = b.Str(key, v)
		case error:
			b = b.Err(v)
		case int:
			b = b.Int(key, v)
		case int64:
			b = b.Int64(key, v)
		case uint64:
			b = b.Uint64(key, v)
		case bool:
			b = b.Bool(key, v)
		case time.Duration:
			b = b.Dur(key, v)
		default:
			b = b.Interface(key, v)
		}
	}
	return b
}

// Debug logs a debug-level line tagged with category, gated by the flood
// limiter.
func Debug(category, msg string, kvs ...any) {
	if !allowed(category) {
		return
	}
	fields(base.Debug().Str("category", category), kvs).Log(msg)
}

// Info logs an informational line tagged with category.
func Info(category, msg string, kvs ...any) {
	if !allowed(category) {
		return
	}
	fields(base.Info().Str("category", category), kvs).Log(msg)
}

// Warn logs a warning-level line tagged with category.
func Warn(category, msg string, kvs ...any) {
	if !allowed(category) {
		return
	}
	fields(base.Warning().Str("category", category), kvs).Log(msg)
}

// Error logs an error-level line tagged with category. Error lines are
// never flood-limited: suppressing a genuine error is worse than a burst of
// duplicate lines.
func Error(category, msg string, kvs ...any) {
	fields(base.Err().Str("category", category), kvs).Log(msg)
}
