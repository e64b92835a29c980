package corert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func mustSocketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestFdTableGetCreatesAndReusesContext(t *testing.T) {
	a, _ := mustSocketPair(t)
	table := NewFdTable()

	c1 := table.Get(a)
	c2 := table.Get(a)
	assert.Same(t, c1, c2)
	assert.True(t, c1.IsSocket())
}

func TestFdTableLookupMissing(t *testing.T) {
	table := NewFdTable()
	_, ok := table.Lookup(999)
	assert.False(t, ok)
}

func TestFdTableGrowsPastInitialCapacity(t *testing.T) {
	a, _ := mustSocketPair(t)
	table := NewFdTable()
	// force growth regardless of which fd number the pair happened to get
	big := a + 64
	ctx := table.Get(big)
	assert.NotNil(t, ctx)
	got, ok := table.Lookup(big)
	assert.True(t, ok)
	assert.Same(t, ctx, got)
}

func TestFdTableDelMarksClosed(t *testing.T) {
	a, _ := mustSocketPair(t)
	table := NewFdTable()
	ctx := table.Get(a)
	table.Del(a)

	_, ok := table.Lookup(a)
	assert.False(t, ok)
	assert.ErrorIs(t, ctx.arm(EventRead, nil, func() {}), ErrFdClosed)
}

func TestFdContextArmRejectsDoubleArm(t *testing.T) {
	a, _ := mustSocketPair(t)
	ctx := newFdContext(a)

	require.NoError(t, ctx.arm(EventRead, nil, func() {}))
	assert.ErrorIs(t, ctx.arm(EventRead, nil, func() {}), ErrDirectionArmed)
	// the other direction is independent
	assert.NoError(t, ctx.arm(EventWrite, nil, func() {}))
}

func TestFdContextDisarmClearsSlotAndMask(t *testing.T) {
	a, _ := mustSocketPair(t)
	ctx := newFdContext(a)
	require.NoError(t, ctx.arm(EventRead, nil, func() {}))
	assert.Equal(t, EventRead, ctx.armedMask())

	w := ctx.disarm(EventRead)
	require.NotNil(t, w)
	assert.Equal(t, EventNone, ctx.armedMask())
	assert.Nil(t, ctx.disarm(EventRead))
}

func TestFdContextTimeouts(t *testing.T) {
	a, _ := mustSocketPair(t)
	ctx := newFdContext(a)
	assert.Equal(t, time.Duration(0), ctx.Timeout(EventRead))
	ctx.SetTimeout(EventRead, 5*time.Second)
	ctx.SetTimeout(EventWrite, 2*time.Second)
	assert.Equal(t, 5*time.Second, ctx.Timeout(EventRead))
	assert.Equal(t, 2*time.Second, ctx.Timeout(EventWrite))
}

func TestFcntlGetflLiesAboutUserRequestedNonblock(t *testing.T) {
	r := newTestReactor(t)
	prev := currentReactor
	SetDefaultReactor(r)
	t.Cleanup(func() { SetDefaultReactor(prev) })

	a, _ := mustSocketPair(t)
	ctx := r.Fds().Get(a)
	require.False(t, ctx.UserNonblock())

	fl, err := Fcntl(a, unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.Zero(t, fl&unix.O_NONBLOCK, "kernel fd is always forced non-blocking, but F_GETFL must not leak that")

	_, err = Fcntl(a, unix.F_SETFL, fl|unix.O_NONBLOCK)
	require.NoError(t, err)
	assert.True(t, ctx.UserNonblock())

	fl, err = Fcntl(a, unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, fl&unix.O_NONBLOCK, "F_GETFL must report the user's requested flag, not the real kernel one")

	kfl, err := unix.FcntlInt(uintptr(a), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, kfl&unix.O_NONBLOCK, "the kernel flag stays forced on regardless of what F_SETFL reported back")
}

func TestIoctlFionbioRecordsUserNonblockWithoutTouchingKernelFlag(t *testing.T) {
	r := newTestReactor(t)
	prev := currentReactor
	SetDefaultReactor(r)
	t.Cleanup(func() { SetDefaultReactor(prev) })

	a, _ := mustSocketPair(t)
	ctx := r.Fds().Get(a)

	require.NoError(t, Ioctl(a, unix.FIONBIO, 1))
	assert.True(t, ctx.UserNonblock())

	kfl, err := unix.FcntlInt(uintptr(a), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, kfl&unix.O_NONBLOCK, "the kernel fd was already forced non-blocking by Get; Ioctl must not need to touch it again")
}

func TestSocketCreatesFdContextEagerly(t *testing.T) {
	r := newTestReactor(t)
	prev := currentReactor
	SetDefaultReactor(r)
	t.Cleanup(func() { SetDefaultReactor(prev) })

	fd, err := Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })

	ctx, ok := r.Fds().Lookup(fd)
	require.True(t, ok, "Socket must register the fd's context immediately, not wait for first Read/Write")
	assert.True(t, ctx.IsSocket())
}

func TestEventDirString(t *testing.T) {
	assert.Equal(t, "read", EventRead.String())
	assert.Equal(t, "write", EventWrite.String())
	assert.Equal(t, "read|write", (EventRead | EventWrite).String())
	assert.Equal(t, "none", EventNone.String())
}
