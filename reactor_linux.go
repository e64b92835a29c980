package corert

import (
	"sync/atomic"
	"time"

	"github.com/taskloop/corert/corelog"
	"golang.org/x/sys/unix"
)

const maxEpollEvents = 256

// Reactor extends a Scheduler with an epoll(7) instance and a monotonic
// TimerSet, so that a worker with no ready work blocks in epoll_wait
// instead of busy-polling the tickle channel. Workers wake via a real
// pipe(2) self-pipe registered for EPOLLIN rather than an eventfd.
type Reactor struct {
	*Scheduler

	epfd int
	// pipeR/pipeW are the self-pipe ends. A byte written to pipeW by
	// tickle() wakes whichever worker is currently blocked in
	// epoll_wait, which then drains pipeR and re-checks the ready queue.
	pipeR int
	pipeW int

	fds *FdTable
	tm  *TimerSet

	pending atomic.Int64
}

// NewReactor constructs and starts the epoll instance backing cfg. The
// caller must still call Start to spin up workers.
func NewReactor(cfg Config) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &Errno{Op: "epoll_create1", Err: err}
	}
	fds := [2]int{}
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		_ = unix.Close(epfd)
		return nil, &Errno{Op: "pipe2", Err: err}
	}

	r := &Reactor{
		Scheduler: NewScheduler(cfg),
		epfd:      epfd,
		pipeR:     fds[0],
		pipeW:     fds[1],
		fds:       NewFdTable(),
		tm:        NewTimerSet(),
	}
	r.Scheduler.idleFn = r.idle
	r.Scheduler.stoppingFn = r.stopping
	r.Scheduler.tickleFn = r.epollTickle

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.pipeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(r.pipeR),
	}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(r.pipeR)
		_ = unix.Close(r.pipeW)
		return nil, &Errno{Op: "epoll_ctl", Err: err}
	}
	return r, nil
}

// Close releases the reactor's epoll instance and self-pipe. Call only
// after Stop/Wait have completed.
func (r *Reactor) Close() error {
	_ = unix.Close(r.pipeR)
	_ = unix.Close(r.pipeW)
	return unix.Close(r.epfd)
}

// Timers exposes the reactor's TimerSet, so task bodies and the shim layer
// can arm cooperative timeouts.
func (r *Reactor) Timers() *TimerSet { return r.tm }

// Fds exposes the reactor's FdContext table.
func (r *Reactor) Fds() *FdTable { return r.fds }

// epollTickle is installed as the embedded Scheduler's tickleFn: besides
// the in-process channel nudge, it must also wake a worker possibly
// blocked in epoll_wait. A single byte write suffices; epoll reports the
// pipe readable regardless of how many bytes are pending.
func (r *Reactor) epollTickle() {
	r.Scheduler.baseTickle()
	var b [1]byte
	_, err := unix.Write(r.pipeW, b[:])
	if err != nil && err != unix.EAGAIN {
		corelog.Warn("reactor", "self-pipe write failed", "err", err)
	}
}

// Register arms dir on fd, resuming task when the direction becomes ready
// or is cancelled (Cancel, CancelAll, CloseFd). Register does not park the
// task itself; the caller parks it with YieldHold after Register returns.
// Closing the reactor does not fire still-armed waiters. Returns
// ErrDirectionArmed if dir is already armed on
// fd by someone else. r.pending tracks the number of currently-armed
// waiter slots across every fd, the Go analogue of m_pending_event_count:
// Stop must not let the reactor report itself quiescent while any are
// outstanding.
func (r *Reactor) Register(fd int, dir EventDir, task *Task) error {
	ctx := r.fds.Get(fd)
	if err := ctx.arm(dir, task, nil); err != nil {
		return err
	}
	r.pending.Add(1)
	if err := r.syncEpoll(ctx); err != nil {
		ctx.disarm(dir)
		r.pending.Add(-1)
		return err
	}
	return nil
}

// syncEpoll issues epoll_ctl to match ctx's current armed mask, choosing
// ADD/MOD/DEL the way add_event/del_event pick between them based on
// whether the fd already has any events registered.
func (r *Reactor) syncEpoll(ctx *FdContext) error {
	mask := ctx.armedMask()
	var ev unix.EpollEvent
	ev.Fd = int32(ctx.fd)
	if mask&EventRead != 0 {
		ev.Events |= unix.EPOLLIN
	}
	if mask&EventWrite != 0 {
		ev.Events |= unix.EPOLLOUT
	}

	op := unix.EPOLL_CTL_MOD
	if mask == 0 {
		op = unix.EPOLL_CTL_DEL
	}
	err := unix.EpollCtl(r.epfd, op, ctx.fd, &ev)
	if err == unix.ENOENT {
		err = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, ctx.fd, &ev)
	}
	if err != nil {
		return &Errno{Op: "epoll_ctl", Err: err}
	}
	return nil
}

// Cancel disarms dir on fd, firing its waiter immediately (as cancelled)
// rather than waiting for epoll to report readiness. Mirrors cancel_event.
func (r *Reactor) Cancel(fd int, dir EventDir) bool {
	ctx, ok := r.fds.Lookup(fd)
	if !ok {
		return false
	}
	w := ctx.disarm(dir)
	if w == nil {
		return false
	}
	r.pending.Add(-1)
	_ = r.syncEpoll(ctx)
	w.fire()
	return true
}

// CancelAll disarms and fires both directions on fd. Mirrors cancel_all.
func (r *Reactor) CancelAll(fd int) {
	r.Cancel(fd, EventRead)
	r.Cancel(fd, EventWrite)
}

// CloseFd removes fd from the table after firing any still-armed waiters
// as cancelled, and issues EPOLL_CTL_DEL.
func (r *Reactor) CloseFd(fd int) {
	r.CancelAll(fd)
	r.fds.Del(fd)
	var ev unix.EpollEvent
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, &ev)
}

func (r *Reactor) stopping() bool {
	return r.Scheduler.baseStopping() && r.pending.Load() == 0
}

// idle is the reactor's override of Scheduler.idleFn: it computes the
// epoll_wait budget from the timer set, waits, drains the self-pipe,
// fires expired timers, and resumes any fd whose armed direction became
// ready.
func (r *Reactor) idle(workerIdx int) {
	timeout := r.tm.NextTimeoutMs()
	if timeout < 0 || timeout > 1000 {
		// Re-check the ready queue and stopping condition at least once
		// a second even with no timers pending.
		timeout = 1000
	}

	var events [maxEpollEvents]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, events[:], timeout)
	if err != nil && err != unix.EINTR {
		corelog.Warn("reactor", "epoll_wait failed", "err", err)
		time.Sleep(time.Millisecond)
		return
	}

	for _, cb := range r.tm.DrainExpired() {
		cb()
	}

	for i := 0; i < n; i++ {
		ev := events[i]
		fd := int(ev.Fd)
		if fd == r.pipeR {
			r.drainPipe()
			continue
		}
		ctx, ok := r.fds.Lookup(fd)
		if !ok {
			continue
		}
		if ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			if w := ctx.disarm(EventRead); w != nil {
				r.pending.Add(-1)
				w.fire()
			}
		}
		if ev.Events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			if w := ctx.disarm(EventWrite); w != nil {
				r.pending.Add(-1)
				w.fire()
			}
		}
		_ = r.syncEpoll(ctx)
	}
}

func (r *Reactor) drainPipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.pipeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
