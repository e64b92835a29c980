package corert

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// This file is the cooperative-suspension shim: instead of intercepting
// libc's blocking syscalls process-wide (not possible for a Go binary on
// Linux, which makes raw syscalls directly and cannot interpose libc
// symbols), task bodies call these wrapper functions directly in place of
// the unix.* equivalents. Each one blocks the calling *task*, not the
// calling OS thread: on EAGAIN it registers interest with the task's
// reactor and yields HOLD, resuming only when the fd becomes ready, a
// cooperative timeout elapses, or the wait is cancelled.
//
// currentReactor must be set once, by whoever owns the process's Reactor,
// via SetDefaultReactor; every shim call in this file dispatches through
// it. It is process-global, while HookEnabled stays per-task (see
// Task.hookEnabled) since the task, not an OS thread, is this runtime's
// unit of "the calling thread".
var currentReactor *Reactor

// SetDefaultReactor installs the Reactor that shim functions in this file
// dispatch through. Call once during startup before any task body uses
// Read/Write/Accept/Connect/Sleep etc.
func SetDefaultReactor(r *Reactor) { currentReactor = r }

// doIO is the shared retry loop behind Read/Write/Recv/Send/Accept. Before
// ever calling op it applies the same pass-through contract fcntl/ioctl
// rely on: a closed fd fails fast with EBADF, and a non-socket fd or one the
// caller explicitly set O_NONBLOCK on is never cooperatively parked, only
// ever given a single, direct call. Otherwise it calls op, retrying
// transparently on EINTR; on EAGAIN it arms dir on fd (with an optional
// cooperative timeout) and parks the calling task, retrying when woken,
// until op succeeds, fails with a different error, or the timeout fires.
func doIO(fd int, dir EventDir, ctx *FdContext, op func() (int, error)) (int, error) {
	if ctx.isClosed() {
		return -1, &Errno{Op: "io", Err: unix.EBADF}
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return op()
	}

	timeout := ctx.Timeout(dir)
	for {
		n, err := op()
		for err == unix.EINTR {
			n, err = op()
		}
		if err != unix.EAGAIN {
			return n, err
		}

		task := CurrentTask()
		if currentReactor == nil || !task.HookEnabled() {
			return n, err
		}

		var timer *Timer
		var timedOut atomic.Bool
		if timeout > 0 {
			timer = AddConditionalTimer(currentReactor.Timers(), timeout, false, task, func() {
				timedOut.Store(true)
				currentReactor.Cancel(fd, dir)
			})
		}

		regErr := currentReactor.Register(fd, dir, task)
		if regErr != nil {
			if timer != nil {
				timer.Cancel()
			}
			return n, regErr
		}

		task.YieldHold()

		if timer != nil {
			timer.Cancel()
		}
		if timedOut.Load() {
			return -1, ErrTimedOut
		}
	}
}

// Read cooperatively reads from fd, mirroring read(2)/recv(2) semantics:
// unix.Read plus task-level suspension on EAGAIN.
func Read(fd int, p []byte) (int, error) {
	ctx := fdCtxFor(fd)
	return doIO(fd, EventRead, ctx, func() (int, error) {
		return readFD(fd, p)
	})
}

// Write cooperatively writes to fd.
func Write(fd int, p []byte) (int, error) {
	ctx := fdCtxFor(fd)
	return doIO(fd, EventWrite, ctx, func() (int, error) {
		return writeFD(fd, p)
	})
}

// Recv cooperatively receives from a socket fd.
func Recv(fd int, p []byte, flags int) (int, error) {
	ctx := fdCtxFor(fd)
	return doIO(fd, EventRead, ctx, func() (int, error) {
		return unix.Recvfrom(fd, p, flags)
	})
}

// Send cooperatively sends on a socket fd.
func Send(fd int, p []byte, flags int) (int, error) {
	ctx := fdCtxFor(fd)
	return doIO(fd, EventWrite, ctx, func() (int, error) {
		n, err := 0, unix.Sendto(fd, p, flags, nil)
		if err == nil {
			n = len(p)
		}
		return n, err
	})
}

// Accept cooperatively accepts a connection on a listening socket.
func Accept(fd int) (int, unix.Sockaddr, error) {
	ctx := fdCtxFor(fd)
	var connFd int
	var sa unix.Sockaddr
	_, err := doIO(fd, EventRead, ctx, func() (int, error) {
		cfd, addr, aerr := unix.Accept(fd)
		if aerr == nil {
			connFd = cfd
			sa = addr
		}
		return cfd, aerr
	})
	return connFd, sa, err
}

// Connect cooperatively connects fd, treating EINPROGRESS as the signal to
// park until the fd becomes writable, then checking SO_ERROR to discover
// whether the connection actually succeeded. Shares doIO's pass-through
// contract (closed fd fails fast, non-socket or user-nonblock fds are never
// parked) even though it doesn't route through doIO itself, since connect's
// EINPROGRESS/SO_ERROR dance doesn't fit doIO's EAGAIN-retry shape.
func Connect(fd int, addr unix.Sockaddr, timeout time.Duration) error {
	ctx := fdCtxFor(fd)
	if ctx.isClosed() {
		return &Errno{Op: "connect", Err: unix.EBADF}
	}

	err := unix.Connect(fd, addr)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return err
	}

	task := CurrentTask()
	if currentReactor == nil || !task.HookEnabled() {
		return err
	}

	var timer *Timer
	var timedOut atomic.Bool
	if timeout > 0 {
		timer = AddConditionalTimer(currentReactor.Timers(), timeout, false, task, func() {
			timedOut.Store(true)
			currentReactor.Cancel(fd, EventWrite)
		})
	}
	if regErr := currentReactor.Register(fd, EventWrite, task); regErr != nil {
		if timer != nil {
			timer.Cancel()
		}
		return regErr
	}
	task.YieldHold()
	if timer != nil {
		timer.Cancel()
	}
	if timedOut.Load() {
		return ErrTimedOut
	}

	soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Sleep cooperatively suspends the calling task for d, without blocking
// its underlying goroutine's worker thread: the task parks HOLD and is
// resumed by a plain (non-conditional) timer, since there is no fd
// involved to cancel the wait early.
func Sleep(d time.Duration) {
	task := CurrentTask()
	if currentReactor == nil || !task.HookEnabled() {
		time.Sleep(d)
		return
	}
	currentReactor.Timers().Add(d, false, func() {
		currentReactor.resumeFromReactor(task)
	})
	task.YieldHold()
}

// Close cancels any armed waiters on fd and tears down its event context
// before closing it, so a cancelled waiter never races a reused fd number.
func Close(fd int) error {
	if currentReactor != nil {
		currentReactor.CloseFd(fd)
	}
	return closeFD(fd)
}

// fdCtxFor fetches fd's FdContext from the default reactor's table, or a
// freshly initialized context stored nowhere if no default reactor is
// installed (so
// direct unit tests of doIO's retry mechanics don't require a live
// reactor for the non-blocking call itself).
func fdCtxFor(fd int) *FdContext {
	if currentReactor == nil {
		return newFdContext(fd)
	}
	return currentReactor.Fds().Get(fd)
}

// lookupFdCtx returns fd's existing FdContext without creating one, mirroring
// FdMgr::getFdCtx's non-creating lookup inside fcntl/ioctl: an fd the shim
// has never seen (no default reactor installed, or never passed through
// Socket/Get) reports no context so Fcntl/Ioctl fall straight through to the
// kernel instead of silently starting to track it.
func lookupFdCtx(fd int) *FdContext {
	if currentReactor == nil {
		return nil
	}
	ctx, ok := currentReactor.Fds().Lookup(fd)
	if !ok {
		return nil
	}
	return ctx
}

// Socket mirrors socket(2): it creates the fd, then, if a default reactor is
// installed, eagerly creates its FdContext so a later Fcntl/Ioctl call on a
// socket the shim hasn't otherwise touched (via Read/Write/Accept) still
// finds user_nonblock tracking in place.
func Socket(domain, typ, protocol int) (int, error) {
	fd, err := unix.Socket(domain, typ, protocol)
	if err != nil {
		return fd, err
	}
	if currentReactor != nil {
		currentReactor.Fds().Get(fd)
	}
	return fd, nil
}

// Fcntl mirrors fcntl(2) for the subset of commands the cooperative shim
// cares about. F_SETFL records the caller's requested O_NONBLOCK as
// user_nonblock and then forces the kernel flag to whatever FdContext
// actually needs internally, regardless of what the caller asked for;
// F_GETFL reports back the flag the caller asked for, not the kernel's,
// so a task that explicitly requested a blocking fd never observes the
// shim's internal O_NONBLOCK. Every other command passes straight through.
func Fcntl(fd int, cmd int, arg int) (int, error) {
	switch cmd {
	case unix.F_SETFL:
		return fcntlSetfl(fd, arg)
	case unix.F_GETFL:
		return fcntlGetfl(fd)
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

func fcntlSetfl(fd, arg int) (int, error) {
	ctx := lookupFdCtx(fd)
	if ctx == nil || ctx.isClosed() || !ctx.IsSocket() {
		return unix.FcntlInt(uintptr(fd), unix.F_SETFL, arg)
	}
	ctx.setUserNonblock(arg&unix.O_NONBLOCK != 0)
	if ctx.KernelNonblock() {
		arg |= unix.O_NONBLOCK
	} else {
		arg &^= unix.O_NONBLOCK
	}
	return unix.FcntlInt(uintptr(fd), unix.F_SETFL, arg)
}

func fcntlGetfl(fd int) (int, error) {
	arg, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return arg, err
	}
	ctx := lookupFdCtx(fd)
	if ctx == nil || ctx.isClosed() || !ctx.IsSocket() {
		return arg, nil
	}
	if ctx.UserNonblock() {
		return arg | unix.O_NONBLOCK, nil
	}
	return arg &^ unix.O_NONBLOCK, nil
}

// Ioctl mirrors ioctl(2) for FIONBIO, the setsockopt-adjacent way of
// toggling non-blocking mode: on a tracked socket it records the caller's
// requested state on fd's FdContext exactly like Fcntl's F_SETFL and
// returns without touching the actual kernel flag; any other fd or request
// (untracked, non-socket, or not FIONBIO) gets the real ioctl, so it
// behaves exactly as asked.
func Ioctl(fd int, request uint, nonblock int) error {
	if request == unix.FIONBIO {
		ctx := lookupFdCtx(fd)
		if ctx != nil && !ctx.isClosed() && ctx.IsSocket() {
			ctx.setUserNonblock(nonblock != 0)
			return nil
		}
	}
	return unix.IoctlSetInt(fd, request, nonblock)
}

// SetRecvTimeout configures fd's cooperative read timeout, the shim
// equivalent of setsockopt(fd, SOL_SOCKET, SO_RCVTIMEO, ...).
func SetRecvTimeout(fd int, d time.Duration) {
	fdCtxFor(fd).SetTimeout(EventRead, d)
}

// SetSendTimeout configures fd's cooperative write timeout, the shim
// equivalent of setsockopt(fd, SOL_SOCKET, SO_SNDTIMEO, ...).
func SetSendTimeout(fd int, d time.Duration) {
	fdCtxFor(fd).SetTimeout(EventWrite, d)
}
