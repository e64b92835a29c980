package corelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckPanicsOnFalseCondition(t *testing.T) {
	assert.Panics(t, func() {
		Check(false, "test", "invariant violated")
	})
}

func TestCheckDoesNotPanicOnTrueCondition(t *testing.T) {
	assert.NotPanics(t, func() {
		Check(true, "test", "should not fire")
	})
}

func TestLoggingHelpersDoNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		Debug("test", "debug line", "k", "v")
		Info("test", "info line", "n", 1)
		Warn("test", "warn line", "b", true)
		Error("test", "error line", "err", assert.AnError)
	})
}

func TestFatalPanicsWithCategoryAndMessage(t *testing.T) {
	assert.PanicsWithValue(t, "test: boom", func() {
		Fatal("test", "boom")
	})
}
