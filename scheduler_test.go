package corert

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsSubmittedThunk(t *testing.T) {
	s := NewScheduler(Config{Workers: 2})
	s.Start()
	defer s.Stop()

	done := make(chan struct{})
	require.NoError(t, s.Submit(nil, func() { close(done) }, -1))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("thunk never ran")
	}
}

func TestSchedulerRunsTaskToCompletion(t *testing.T) {
	s := NewScheduler(Config{Workers: 2})
	s.Start()
	defer s.Stop()

	done := make(chan struct{})
	task := NewTask(func() {
		close(done)
	}, 0, false)
	require.NoError(t, s.Submit(task, nil, -1))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestSchedulerTaskYieldReadyGetsReQueued(t *testing.T) {
	s := NewScheduler(Config{Workers: 1})
	s.Start()
	defer s.Stop()

	var n atomic.Int32
	done := make(chan struct{})
	task := NewTask(func() {
		n.Add(1)
		CurrentTask().YieldReady()
		n.Add(1)
		close(done)
	}, 0, false)
	require.NoError(t, s.Submit(task, nil, -1))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not resume after yielding ready")
	}
	assert.Equal(t, int32(2), n.Load())
}

func TestSchedulerSubmitAfterStopFails(t *testing.T) {
	s := NewScheduler(Config{Workers: 1})
	s.Start()
	s.Stop()
	s.Wait()

	err := s.Submit(nil, func() {}, -1)
	assert.ErrorIs(t, err, ErrSchedulerStopped)
}

func TestSchedulerSubmitBatch(t *testing.T) {
	s := NewScheduler(Config{Workers: 4})
	s.Start()
	defer s.Stop()

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	tasks := make([]*Task, n)
	for i := range tasks {
		tasks[i] = NewTask(func() { wg.Done() }, 0, false)
	}
	require.NoError(t, s.SubmitBatch(tasks, -1))

	doneCh := make(chan struct{})
	go func() { wg.Wait(); close(doneCh) }()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("not all tasks in batch completed")
	}
}

func TestSchedulerFailedTaskDoesNotCrashWorker(t *testing.T) {
	s := NewScheduler(Config{Workers: 1})
	s.Start()
	defer s.Stop()

	failed := NewTask(func() { panic("boom") }, 0, false)
	require.NoError(t, s.Submit(failed, nil, -1))

	done := make(chan struct{})
	ok := NewTask(func() { close(done) }, 0, false)
	require.NoError(t, s.Submit(ok, nil, -1))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker appears to have died after a failed task")
	}
}

func TestSchedulerAffinityPinnedTasksComplete(t *testing.T) {
	s := NewScheduler(Config{Workers: 4})
	s.Start()
	defer s.Stop()

	var observed atomic.Int32
	observed.Store(-1)
	done := make(chan struct{})

	// affinity 0 requires popReady to only hand this entry to worker 0;
	// we can't observe the worker index directly from inside a task body,
	// so instead assert indirectly: submitting many affinity-pinned tasks
	// all complete without deadlocking the pool.
	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		task := NewTask(func() { wg.Done() }, 0, false)
		require.NoError(t, s.Submit(task, nil, 0))
	}
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("affinity-pinned tasks never completed")
	}
	_ = observed
}
