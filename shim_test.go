package corert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func withDefaultReactor(t *testing.T) *Reactor {
	t.Helper()
	r := newTestReactor(t)
	prev := currentReactor
	SetDefaultReactor(r)
	t.Cleanup(func() { SetDefaultReactor(prev) })
	return r
}

func TestReadBlocksThenReturnsOnceDataArrives(t *testing.T) {
	r := withDefaultReactor(t)
	a, b := mustSocketPair(t)
	require.NoError(t, unix.SetNonblock(a, true))

	var n int
	var rerr error
	buf := make([]byte, 16)
	done := make(chan struct{})

	task := NewTask(func() {
		n, rerr = Read(a, buf)
		close(done)
	}, 0, false)
	require.NoError(t, r.Submit(task, nil, -1))

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Read returned before data was available")
	default:
	}

	_, err := unix.Write(b, []byte("hello"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Read never unblocked after data arrived")
	}
	assert.NoError(t, rerr)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestSleepParksTaskForApproximatelyTheRequestedDuration(t *testing.T) {
	r := withDefaultReactor(t)

	start := make(chan struct{})
	done := make(chan struct{})
	var elapsed time.Duration
	task := NewTask(func() {
		begin := time.Now()
		close(start)
		Sleep(30 * time.Millisecond)
		elapsed = time.Since(begin)
		close(done)
	}, 0, false)
	require.NoError(t, r.Submit(task, nil, -1))

	<-start
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Sleep never returned")
	}
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
}

func TestConnectSucceedsOnLoopback(t *testing.T) {
	r := withDefaultReactor(t)

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(lfd) })
	require.NoError(t, unix.Bind(lfd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(lfd, 1))
	sa, err := unix.Getsockname(lfd)
	require.NoError(t, err)
	addr := sa.(*unix.SockaddrInet4)

	cfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(cfd) })
	require.NoError(t, unix.SetNonblock(cfd, true))

	var connErr error
	done := make(chan struct{})
	task := NewTask(func() {
		connErr = Connect(cfd, &unix.SockaddrInet4{Port: addr.Port, Addr: [4]byte{127, 0, 0, 1}}, 2*time.Second)
		close(done)
	}, 0, false)
	require.NoError(t, r.Submit(task, nil, -1))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Connect never completed")
	}
	assert.NoError(t, connErr)
}

func TestDoIOReturnsEBADFOnClosedContextWithoutCallingOp(t *testing.T) {
	ctx := newFdContext(0)
	ctx.markClosed()

	called := false
	_, err := doIO(0, EventRead, ctx, func() (int, error) {
		called = true
		return 0, nil
	})
	assert.False(t, called, "doIO must fail fast on a closed context instead of invoking op")
	assert.ErrorIs(t, err, unix.EBADF)
}

func TestDoIOPassesThroughNonSocketWithoutParking(t *testing.T) {
	ctx := newFdContext(0)
	ctx.isSocket = false

	n, err := doIO(0, EventRead, ctx, func() (int, error) {
		return 0, unix.EAGAIN
	})
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, unix.EAGAIN, "a non-socket fd must get EAGAIN straight back, never cooperative parking")
}

func TestDoIOPassesThroughUserNonblockWithoutParking(t *testing.T) {
	ctx := newFdContext(0)
	ctx.isSocket = true
	ctx.setUserNonblock(true)

	calls := 0
	_, err := doIO(0, EventRead, ctx, func() (int, error) {
		calls++
		return 0, unix.EAGAIN
	})
	assert.Equal(t, 1, calls, "user-requested non-blocking fds must never be cooperatively retried")
	assert.ErrorIs(t, err, unix.EAGAIN)
}

func TestDoIORetriesOnEINTRBeforeReturning(t *testing.T) {
	ctx := newFdContext(0)
	ctx.isSocket = true

	calls := 0
	n, err := doIO(0, EventRead, ctx, func() (int, error) {
		calls++
		if calls < 3 {
			return -1, unix.EINTR
		}
		return 7, nil
	})
	assert.Equal(t, 3, calls)
	assert.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestCloseCancelsArmedWaiterBeforeClosing(t *testing.T) {
	r := withDefaultReactor(t)
	a, _ := mustSocketPair(t)

	registered := make(chan struct{})
	fired := make(chan struct{})
	task := NewTask(func() {
		require.NoError(t, r.Register(a, EventRead, CurrentTask()))
		close(registered)
		CurrentTask().YieldHold()
		close(fired)
	}, 0, false)
	require.NoError(t, r.Submit(task, nil, -1))
	<-registered
	require.Eventually(t, func() bool {
		return task.State() == TaskHold
	}, time.Second, time.Millisecond)

	require.NoError(t, Close(a))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("Close did not cancel the armed waiter")
	}
}
