package corert

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// EventDir is a bitmask of the directions a file descriptor can be armed
// for in a Reactor: readable or writable, matching EPOLLIN/EPOLLOUT.
type EventDir uint32

const (
	EventNone  EventDir = 0
	EventRead  EventDir = 1 << iota
	EventWrite
)

func (d EventDir) String() string {
	switch d {
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	case EventRead | EventWrite:
		return "read|write"
	default:
		return "none"
	}
}

// eventWaiter is what a single armed direction on an fd remembers about the
// task waiting on it: either a parked task to resume, or a plain callback
// to invoke on the reactor's goroutine. Reactor.Register (and so every shim
// operation) only ever arms a task; the callback slot is filled only by
// calling FdContext.arm directly.
type eventWaiter struct {
	task *Task
	cb   func()
}

func (w *eventWaiter) fire() {
	if w.task != nil {
		t := w.task
		w.task = nil
		schedulerOf(t).resumeFromReactor(t)
		return
	}
	if w.cb != nil {
		cb := w.cb
		w.cb = nil
		cb()
	}
}

func (w *eventWaiter) armed() bool { return w.task != nil || w.cb != nil }

// FdContext holds the cooperative state associated with one open file
// descriptor: which directions are currently armed and with whom, whether
// it is a socket (and therefore eligible for SO_RCVTIMEO/SO_SNDTIMEO-style
// cooperative timeouts), and the non-blocking flags the shim layer must
// track separately from the kernel's, since user code may ask for a
// blocking fd while the runtime still needs O_NONBLOCK set at the kernel
// level to make cooperative suspension possible.
type FdContext struct {
	fd int

	mu     sync.Mutex
	armed  EventDir
	read   eventWaiter
	write  eventWaiter
	closed bool

	isSocket       bool
	userNonblock   bool
	kernelNonblock bool
	recvTimeout    time.Duration
	sendTimeout    time.Duration
}

// newFdContext initializes a freshly seen fd's state: sockets always get
// forced kernel-level O_NONBLOCK (so the shim can cooperatively retry),
// while userNonblock always starts false, regardless of whatever O_NONBLOCK
// state the fd happened to already have. Only a subsequent hooked
// Fcntl/Ioctl call changes it, mirroring FdCtx::init's unconditional
// m_user_nonblock = false.
func newFdContext(fd int) *FdContext {
	c := &FdContext{fd: fd}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err == nil {
		c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	}
	if c.isSocket {
		if fl, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0); err == nil {
			if fl&unix.O_NONBLOCK == 0 {
				_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFL, fl|unix.O_NONBLOCK)
			}
			c.kernelNonblock = true
		}
	}
	return c
}

// waiterFor returns a pointer to the read or write waiter slot.
func (c *FdContext) waiterFor(dir EventDir) *eventWaiter {
	if dir == EventRead {
		return &c.read
	}
	return &c.write
}

// arm records a waiter for dir. Returns ErrDirectionArmed if dir is already
// armed by someone else, matching add_event's single-waiter-per-direction
// contract.
func (c *FdContext) arm(dir EventDir, task *Task, cb func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrFdClosed
	}
	w := c.waiterFor(dir)
	if w.armed() {
		return ErrDirectionArmed
	}
	w.task = task
	w.cb = cb
	c.armed |= dir
	return nil
}

// disarm clears dir regardless of whether it fires, used both by normal
// firing and by explicit cancellation.
func (c *FdContext) disarm(dir EventDir) *eventWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.waiterFor(dir)
	if !w.armed() {
		return nil
	}
	fired := *w
	*w = eventWaiter{}
	c.armed &^= dir
	return &fired
}

// armedMask reports the currently armed direction bitmask.
func (c *FdContext) armedMask() EventDir {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

func (c *FdContext) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// SetTimeout sets the cooperative recv/send timeout used by the shim's
// doIO loop, the cooperative analogue of SO_RCVTIMEO/SO_SNDTIMEO.
func (c *FdContext) SetTimeout(dir EventDir, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == EventRead {
		c.recvTimeout = d
	} else {
		c.sendTimeout = d
	}
}

// Timeout returns the cooperative timeout configured for dir, or 0 if none.
func (c *FdContext) Timeout(dir EventDir) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == EventRead {
		return c.recvTimeout
	}
	return c.sendTimeout
}

// UserNonblock reports whether the user explicitly requested O_NONBLOCK;
// the shim still needs the kernel fd non-blocking internally even when
// this is false, to be able to retry cooperatively instead of blocking the
// worker thread.
func (c *FdContext) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

func (c *FdContext) setUserNonblock(v bool) {
	c.mu.Lock()
	c.userNonblock = v
	c.mu.Unlock()
}

// KernelNonblock reports whether the kernel fd itself currently has
// O_NONBLOCK set. Fcntl's F_SETFL handling consults this to decide whether
// to force O_NONBLOCK back on, or strip it, after folding in the caller's
// requested flag.
func (c *FdContext) KernelNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kernelNonblock
}

// IsSocket reports whether fstat identified this descriptor as a socket.
func (c *FdContext) IsSocket() bool {
	return c.isSocket
}

// isClosed reports whether markClosed has been called on this context.
func (c *FdContext) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FdTable is a growable, indexed table of FdContext, one per open
// descriptor the runtime has seen. Growth is geometric (1.5x), since fds
// are small dense integers and a plain slice indexed by fd avoids a map
// lookup on every I/O call.
type FdTable struct {
	mu    sync.RWMutex
	items []*FdContext
}

// NewFdTable constructs an empty table.
func NewFdTable() *FdTable {
	return &FdTable{}
}

// Get returns the FdContext for fd, creating one (and growing the backing
// slice if needed) if this is the first time fd has been seen. The lock
// order here, RWMutex before the returned context's own mutex, must be
// preserved by all callers that need to hold both.
func (t *FdTable) Get(fd int) *FdContext {
	t.mu.RLock()
	if fd < len(t.items) && t.items[fd] != nil {
		c := t.items[fd]
		t.mu.RUnlock()
		return c
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < len(t.items) && t.items[fd] != nil {
		return t.items[fd]
	}
	if fd >= len(t.items) {
		newCap := len(t.items) + len(t.items)/2 + 1
		if newCap <= fd {
			newCap = fd + 1
		}
		grown := make([]*FdContext, newCap)
		copy(grown, t.items)
		t.items = grown
	}
	c := newFdContext(fd)
	t.items[fd] = c
	return c
}

// Lookup returns the FdContext for fd without creating one, and false if
// fd has never been seen.
func (t *FdTable) Lookup(fd int) (*FdContext, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if fd < 0 || fd >= len(t.items) || t.items[fd] == nil {
		return nil, false
	}
	return t.items[fd], true
}

// Del removes fd from the table, marking its context closed so any racing
// shim call still holding a reference observes ErrFdClosed.
func (t *FdTable) Del(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.items) || t.items[fd] == nil {
		return
	}
	t.items[fd].markClosed()
	t.items[fd] = nil
}
