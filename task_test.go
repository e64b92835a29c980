package corert

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskLifecycleRunToCompletion(t *testing.T) {
	task := NewTask(func() {}, 0, false)
	assert.Equal(t, TaskInit, task.State())

	task.Resume()
	assert.Equal(t, TaskDone, task.State())
}

func TestTaskYieldReadyRoundTrips(t *testing.T) {
	var steps []int
	task := NewTask(func() {
		steps = append(steps, 1)
		CurrentTask().YieldReady()
		steps = append(steps, 2)
	}, 0, false)

	task.Resume()
	assert.Equal(t, TaskReady, task.State())
	assert.Equal(t, []int{1}, steps)

	task.Resume()
	assert.Equal(t, TaskDone, task.State())
	assert.Equal(t, []int{1, 2}, steps)
}

func TestTaskYieldHoldParksUntilExplicitResume(t *testing.T) {
	done := make(chan struct{})
	task := NewTask(func() {
		CurrentTask().YieldHold()
		close(done)
	}, 0, false)

	task.Resume()
	assert.Equal(t, TaskHold, task.State())

	select {
	case <-done:
		t.Fatal("task body ran past YieldHold before being resumed again")
	default:
	}

	task.Resume()
	<-done
	assert.Equal(t, TaskDone, task.State())
}

func TestTaskFailedOnPanic(t *testing.T) {
	task := NewTask(func() {
		panic("boom")
	}, 0, false)

	task.Resume()
	assert.Equal(t, TaskFailed, task.State())
	assert.Equal(t, "boom", task.Err())
}

func TestTaskResetRequiresTerminalState(t *testing.T) {
	task := NewTask(func() {
		CurrentTask().YieldHold()
	}, 0, false)
	task.Resume()
	require.Equal(t, TaskHold, task.State())

	err := task.Reset(func() {})
	assert.ErrorIs(t, err, ErrTaskTerminal)

	task.Resume()
	require.Equal(t, TaskDone, task.State())
	assert.NoError(t, task.Reset(func() {}))
	assert.Equal(t, TaskInit, task.State())
}

func TestCurrentTaskInsideBodyIsItself(t *testing.T) {
	var observed *Task
	var task *Task
	task = NewTask(func() {
		observed = CurrentTask()
	}, 0, false)
	task.Resume()
	assert.Same(t, task, observed)
}

func TestCurrentTaskOutsideAnyTaskIsLazyBootstrap(t *testing.T) {
	b1 := CurrentTask()
	b2 := CurrentTask()
	assert.Same(t, b1, b2)
	assert.Equal(t, TaskRunning, b1.State())
}

func TestTaskResumeConcurrentTasksIndependent(t *testing.T) {
	const n = 20
	var counter atomic.Int64
	tasks := make([]*Task, n)
	for i := range tasks {
		tasks[i] = NewTask(func() {
			counter.Add(1)
		}, 0, false)
	}
	done := make(chan struct{}, n)
	for _, tk := range tasks {
		go func(tk *Task) {
			tk.Resume()
			done <- struct{}{}
		}(tk)
	}
	for i := 0; i < n; i++ {
		<-done
	}
	assert.Equal(t, int64(n), counter.Load())
}
