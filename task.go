package corert

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/taskloop/corert/corelog"
)

// TaskState is the lifecycle state of a Task. See the state diagram in
// Task's doc comment.
type TaskState uint32

const (
	// TaskInit is the state of a freshly created or reset task.
	TaskInit TaskState = iota
	// TaskReady means the task is sitting in a scheduler's ready queue.
	TaskReady
	// TaskRunning means some worker currently has this task swapped in.
	TaskRunning
	// TaskHold means the task yielded while parked on I/O or a timer; the
	// parker (reactor or timer callback) owns the reference.
	TaskHold
	// TaskDone is a terminal state: the body returned normally.
	TaskDone
	// TaskFailed is a terminal state: the body panicked.
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskInit:
		return "INIT"
	case TaskReady:
		return "READY"
	case TaskRunning:
		return "RUNNING"
	case TaskHold:
		return "HOLD"
	case TaskDone:
		return "DONE"
	case TaskFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var taskIDCounter atomic.Uint64

// current maps a goroutine id to the Task it is currently executing as.
// This is the idiomatic-Go stand-in for per-thread "current fiber" state:
// Go exposes neither a stable OS-thread id nor goroutine-local storage, but
// each Task body and each worker's bootstrap loop runs on its own dedicated
// goroutine for its whole life, so a goroutine-id keyed map gives the same
// lookup-the-current-task-from-anywhere guarantee a thread-local pointer
// would.
var current sync.Map // map[uint64]*Task

// getGoroutineID parses the calling goroutine's id out of a runtime.Stack
// dump. There is no supported API for this; it is the same trick used by
// numerous Go runtimes that need a lightweight per-goroutine identity.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

// Task is a stackful cooperative unit of execution. Rather than a
// ucontext-style stack swap, a Task here owns a dedicated goroutine: Go
// goroutines already have their own growable stack, so
// "stackful" falls out for free, and resume/yield become a synchronous
// hand-off over a pair of unbuffered channels instead of a register swap.
// Exactly one of {resumer, task} ever runs at a time, the same invariant a
// context swap gives.
//
// State machine:
//
//	INIT -> RUNNING (Resume)
//	RUNNING -> READY (YieldReady)
//	RUNNING -> HOLD (YieldHold)
//	READY -> RUNNING (Resume)
//	HOLD -> RUNNING (Resume, by whatever parked it)
//	RUNNING -> DONE (body returns)
//	RUNNING -> FAILED (body panics)
//
// DONE and FAILED are terminal: the only legal transition out is Reset.
type Task struct {
	id           uint64
	state        atomic.Uint32
	body         func()
	stackSize    uint32
	runsOnCaller bool

	resumeCh chan struct{}
	parkCh   chan struct{}
	started  atomic.Bool

	fail any

	// hookEnabled gates the syscall shim (see shim_linux.go). Keyed
	// per-task, since a task is this runtime's "current thread" unit.
	hookEnabled atomic.Bool
}

// DefaultStackSize is the default task stack size in bytes, mirroring
// fiber.stack_size's documented default. Go goroutine stacks are grown
// on demand starting from a few KB, so this value is retained purely for
// API/config fidelity (NewTask's stackSize argument) and is not used to size a real
// buffer.
const DefaultStackSize = 1048576

// NewTask creates a task in state INIT. body is the task's entry point; it
// may call YieldHold/YieldReady (directly, or indirectly via the shim
// functions in shim_linux.go) any number of times before returning.
func NewTask(body func(), stackSize uint32, runsOnCaller bool) *Task {
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	t := &Task{
		id:           taskIDCounter.Add(1),
		body:         body,
		stackSize:    stackSize,
		runsOnCaller: runsOnCaller,
		resumeCh:     make(chan struct{}),
		parkCh:       make(chan struct{}),
	}
	t.hookEnabled.Store(true)
	t.state.Store(uint32(TaskInit))
	return t
}

// newBootstrapTask builds the special zero-stack task a worker or
// caller-embedded scheduler loop runs as. Bootstrap tasks are always
// observed RUNNING while control is inside the scheduler/idle loop, and are
// never placed in a ready queue.
func newBootstrapTask() *Task {
	t := &Task{
		id:       taskIDCounter.Add(1),
		resumeCh: make(chan struct{}),
		parkCh:   make(chan struct{}),
	}
	t.state.Store(uint32(TaskRunning))
	t.started.Store(true)
	return t
}

// ID returns the task's monotonic identifier.
func (t *Task) ID() uint64 { return t.id }

// State returns the task's current state.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// Err returns the recovered panic value for a FAILED task, or nil.
func (t *Task) Err() any { return t.fail }

// RunsOnCaller reports the runsOnCaller flag NewTask was given: metadata a
// caller can use to decide how a task's own body should behave (e.g.
// whether it's safe to call caller-affine APIs), rather than something the
// bundled Scheduler dispatch loop special-cases itself.
func (t *Task) RunsOnCaller() bool { return t.runsOnCaller }

// Reset reinitializes a task over its existing identity; only legal in
// INIT, DONE, or FAILED. The task's previous goroutine (if any) has already
// exited by the time DONE/FAILED is observed, so Reset simply arms a fresh
// goroutine to be spawned on the next Resume.
func (t *Task) Reset(body func()) error {
	switch t.State() {
	case TaskInit, TaskDone, TaskFailed:
	default:
		return ErrTaskTerminal
	}
	t.body = body
	t.fail = nil
	t.started.Store(false)
	t.resumeCh = make(chan struct{})
	t.parkCh = make(chan struct{})
	t.state.Store(uint32(TaskInit))
	return nil
}

// SetHookEnabled toggles the syscall shim for calls made from within this
// task's body.
func (t *Task) SetHookEnabled(enabled bool) { t.hookEnabled.Store(enabled) }

// HookEnabled reports whether the syscall shim is active for this task.
func (t *Task) HookEnabled() bool { return t.hookEnabled.Load() }

// CurrentTask returns the calling goroutine's current task, lazily creating
// a bootstrap task if none is registered yet, so any goroutine (not just
// ones spawned by a Scheduler) can call the shim functions safely.
func CurrentTask() *Task {
	gid := getGoroutineID()
	if v, ok := current.Load(gid); ok {
		return v.(*Task)
	}
	t := newBootstrapTask()
	current.Store(gid, t)
	return t
}

// Resume performs a cooperative context switch into t. It must be called on
// a task not already RUNNING. The calling goroutine blocks until t yields
// (READY or HOLD) or terminates (DONE or FAILED).
func (t *Task) Resume() {
	if t.State() == TaskRunning {
		corelog.Fatal("task", "resume called while already running", "task", t.id)
	}
	gid := getGoroutineID()
	prev, hadPrev := current.Load(gid)
	t.state.Store(uint32(TaskRunning))
	current.Store(gid, t)

	if t.started.CompareAndSwap(false, true) {
		go t.trampoline(gid)
	} else {
		t.resumeCh <- struct{}{}
	}
	<-t.parkCh

	if hadPrev {
		current.Store(gid, prev)
	} else {
		current.Delete(gid)
	}
}

// trampoline is the task goroutine's entry point. It invokes the body, maps
// a normal return to DONE and a panic to FAILED, and in both cases hands
// control back across parkCh. The trampoline registers and deregisters
// itself in the current-task map under its OWN goroutine id (distinct from
// the resumer's), since shim calls and YieldHold/YieldReady run on this
// goroutine.
func (t *Task) trampoline(resumerGid uint64) {
	myGid := getGoroutineID()
	current.Store(myGid, t)
	defer current.Delete(myGid)

	defer func() {
		if r := recover(); r != nil {
			t.fail = r
			t.state.Store(uint32(TaskFailed))
			corelog.Error("task", "task body panicked", "task", t.id, "err", r)
		}
		t.parkCh <- struct{}{}
	}()

	t.body()
	if t.State() != TaskFailed {
		t.state.Store(uint32(TaskDone))
	}
}

// YieldReady suspends the calling task, placing it back into state READY.
// It must be called from within the task's own body (i.e. on the task's
// goroutine). Control returns to whichever goroutine most recently called
// Resume on this task; conventionally, the caller resubmits the task to a
// scheduler's ready queue immediately after Resume returns.
func (t *Task) YieldReady() {
	t.state.Store(uint32(TaskReady))
	t.parkCh <- struct{}{}
	<-t.resumeCh
}

// YieldHold suspends the calling task into state HOLD: the parker (reactor
// registration or armed timer) now owns the only reference keeping it
// alive, and is responsible for resubmitting it later.
func (t *Task) YieldHold() {
	t.state.Store(uint32(TaskHold))
	t.parkCh <- struct{}{}
	<-t.resumeCh
}
