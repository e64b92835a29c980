package corert

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/taskloop/corert/corelog"
)

// Thunk is a plain function submitted to run on a worker without the
// overhead of a full Task: useful for fire-and-forget work that never
// needs to suspend mid-flight.
type Thunk func()

// readyEntry holds at most one of {task, thunk} plus the worker affinity
// hint (-1 for "any worker").
type readyEntry struct {
	task     *Task
	thunk    Thunk
	affinity int
}

// globalSchedulers maps a task id to the Scheduler it was last submitted
// to, letting FdContext's eventWaiter resume a task without the fd table
// itself depending on *Scheduler.
var globalSchedulers sync.Map // map[uint64]*Scheduler

func schedulerOf(t *Task) *Scheduler {
	if v, ok := globalSchedulers.Load(t.id); ok {
		return v.(*Scheduler)
	}
	corelog.Fatal("scheduler", "no scheduler registered for task", "task", t.id)
	return nil
}

// Config configures a Scheduler (and, by embedding, a Reactor).
type Config struct {
	// Workers is the number of worker goroutines to run. Defaults to 1.
	Workers int
	// UseCaller, when true, folds the goroutine that calls Start into the
	// worker pool as worker 0, one of the Workers rather than an extra one:
	// the goroutine that starts the scheduler also participates in running it.
	UseCaller bool
	// Name identifies the scheduler in log lines.
	Name string
}

// Scheduler is a pool of worker goroutines draining a shared ready queue of
// tasks and thunks. It has no I/O or timer awareness of its own; Reactor
// embeds a Scheduler and adds both.
type Scheduler struct {
	cfg Config

	mu        sync.Mutex
	ready     list.List
	stopped   bool
	activeN   atomic.Int32
	idleN     atomic.Int32
	workersWG sync.WaitGroup

	// tickle notifies exactly one idle worker that the ready queue became
	// non-empty. Buffered by 1 so Submit never blocks on a slow worker.
	tickleCh chan struct{}

	// idleFn is the per-worker blocking wait invoked when the ready queue
	// is empty and there is nothing else to do. Scheduler's own idleFn
	// just blocks on tickleCh; Reactor overrides it to also drive epoll
	// and timers.
	idleFn func(workerIdx int)

	// stoppingFn extends the base "ready queue empty and Stop called"
	// check; Reactor overrides it to also require no pending
	// registrations.
	stoppingFn func() bool

	// tickleFn is indirected the same way idleFn/stoppingFn are: Go has
	// no virtual dispatch through an embedded struct, so a Reactor must
	// install its own tickle (which also wakes epoll_wait via the
	// self-pipe) here rather than relying on method overriding, which
	// would only take effect for calls made directly against the
	// *Reactor value, not calls Scheduler makes against itself.
	tickleFn func()

	started atomic.Bool
}

// NewScheduler constructs a Scheduler in the stopped state; call Start to
// spin up its worker goroutines.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	s := &Scheduler{
		cfg:      cfg,
		tickleCh: make(chan struct{}, 1),
	}
	s.idleFn = s.baseIdle
	s.stoppingFn = s.baseStopping
	s.tickleFn = s.baseTickle
	return s
}

// Submit enqueues a task or thunk (exactly one of task and thunk should be
// non-nil) with an optional worker affinity (-1 for
// none). Safe to call from any goroutine, including from within a running
// task.
func (s *Scheduler) Submit(task *Task, thunk Thunk, affinity int) error {
	if task != nil {
		globalSchedulers.Store(task.id, s)
		task.state.Store(uint32(TaskReady))
	}
	needTickle := false
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	needTickle = s.ready.Len() == 0
	s.ready.PushBack(readyEntry{task: task, thunk: thunk, affinity: affinity})
	s.mu.Unlock()
	if needTickle {
		s.tickleFn()
	}
	return nil
}

// SubmitBatch submits several tasks at once under a single lock
// acquisition, tickling at most once.
func (s *Scheduler) SubmitBatch(tasks []*Task, affinity int) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	needTickle := s.ready.Len() == 0 && len(tasks) > 0
	for _, t := range tasks {
		globalSchedulers.Store(t.id, s)
		t.state.Store(uint32(TaskReady))
		s.ready.PushBack(readyEntry{task: t, affinity: affinity})
	}
	s.mu.Unlock()
	if needTickle {
		s.tickleFn()
	}
	return nil
}

func (s *Scheduler) baseTickle() {
	select {
	case s.tickleCh <- struct{}{}:
	default:
	}
}

// resumeFromReactor re-enqueues a HOLD task after its wait condition
// (I/O readiness or timer) fires. Unlike Submit it does not check
// s.stopped: a task already parked must be allowed to unwind even during
// shutdown, so it can release whatever it holds.
func (s *Scheduler) resumeFromReactor(t *Task) {
	t.state.Store(uint32(TaskReady))
	needTickle := false
	s.mu.Lock()
	needTickle = s.ready.Len() == 0
	s.ready.PushBack(readyEntry{task: t, affinity: -1})
	s.mu.Unlock()
	if needTickle {
		s.tickleFn()
	}
}

// Start spins up the worker pool. If cfg.UseCaller is set, worker 0 runs
// directly on the calling goroutine and Start does not return until it
// exits (i.e. after Stop and that worker draining its last entry);
// otherwise Start returns immediately and all workers run in the
// background.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	first := 0
	if s.cfg.UseCaller {
		first = 1
	}
	for i := first; i < s.cfg.Workers; i++ {
		s.workersWG.Add(1)
		go s.runWorker(i)
	}
	if s.cfg.UseCaller {
		s.workersWG.Add(1)
		s.runWorker(0)
	}
}

// Stop marks the scheduler stopped and wakes every idle worker; it does
// not wait for in-flight tasks to finish. Call Wait for that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	for i := 0; i < s.cfg.Workers; i++ {
		s.tickleFn()
	}
}

// Wait blocks until every worker goroutine has exited.
func (s *Scheduler) Wait() {
	s.workersWG.Wait()
}

func (s *Scheduler) baseStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped && s.ready.Len() == 0
}

func (s *Scheduler) baseIdle(workerIdx int) {
	<-s.tickleCh
}

// popReady extracts the first entry matching workerIdx's affinity (-1
// matches any worker), scanning past mismatched entries rather than
// claiming the head unconditionally.
func (s *Scheduler) popReady(workerIdx int) (readyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := s.ready.Front(); e != nil; e = e.Next() {
		re := e.Value.(readyEntry)
		if re.affinity == -1 || re.affinity == workerIdx {
			s.ready.Remove(e)
			return re, true
		}
	}
	return readyEntry{}, false
}

// runWorker is the per-worker dispatch loop, following the six-step
// protocol: pop a ready entry if any; if none, check stopping and either
// exit or idle; run a thunk inline, or Resume a task and re-route it based
// on the state it yields into.
func (s *Scheduler) runWorker(workerIdx int) {
	defer s.workersWG.Done()
	s.activeN.Add(1)
	defer s.activeN.Add(-1)

	for {
		entry, ok := s.popReady(workerIdx)
		if !ok {
			if s.stoppingFn() {
				return
			}
			s.idleN.Add(1)
			s.idleFn(workerIdx)
			s.idleN.Add(-1)
			continue
		}

		if entry.thunk != nil {
			s.runThunk(entry.thunk)
			continue
		}

		t := entry.task
		t.Resume()

		switch t.State() {
		case TaskReady:
			s.mu.Lock()
			s.ready.PushBack(readyEntry{task: t, affinity: entry.affinity})
			s.mu.Unlock()
		case TaskHold:
			// The parker (reactor registration or timer) already owns
			// the next resume; nothing further to do here.
		case TaskDone:
			globalSchedulers.Delete(t.id)
		case TaskFailed:
			globalSchedulers.Delete(t.id)
			corelog.Error("scheduler", "task terminated with failure", "name", s.cfg.Name, "task", t.id, "err", t.Err())
		}
	}
}

func (s *Scheduler) runThunk(fn Thunk) {
	defer func() {
		if r := recover(); r != nil {
			corelog.Error("scheduler", "thunk panicked", "name", s.cfg.Name, "err", r)
		}
	}()
	fn()
}

// ActiveWorkers reports the number of workers not currently idle.
func (s *Scheduler) ActiveWorkers() int {
	return int(s.cfg.Workers) - int(s.idleN.Load())
}
