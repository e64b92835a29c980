// Package corert is a cooperative coroutine runtime for Linux: a
// multi-threaded task scheduler fused with an epoll-based I/O reactor and a
// monotonic timer wheel, plus a cooperative-suspension shim for blocking
// file-descriptor operations.
//
// # Architecture
//
// User code runs inside [Task] values, stackful cooperative units hosted on
// their own goroutine. A [Scheduler] runs a pool of worker goroutines, each
// driving a ready queue of tasks and thunks. A [Reactor] extends the
// scheduler with an epoll instance and a self-pipe, so a worker with no
// ready work blocks in epoll_wait instead of spinning. The [TimerSet]
// maintains a deadline-ordered set of timers that the reactor drains on
// every idle pass. The shim functions ([Read], [Write], [Accept], [Connect],
// [Sleep], ...) give task bodies a blocking-looking API that cooperatively
// suspends the calling task instead of blocking an OS thread.
//
// # Usage
//
//	r, err := corert.NewReactor(corert.Config{Workers: 4})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	corert.SetDefaultReactor(r)
//	r.Start()
//	defer r.Stop()
//
//	task := corert.NewTask(func() {
//	    fd, _ := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
//	    if err := corert.Connect(fd, addr, 5*time.Second); err != nil {
//	        ...
//	    }
//	}, 0, false)
//	r.Submit(task, nil, -1)
//
// # Thread safety
//
// [Scheduler.Submit] and [Scheduler.SubmitBatch] are safe to call from any
// goroutine. Exactly one task is ever RUNNING on a given worker at a time;
// other workers make progress concurrently. See the package-level
// invariants documented on [Task] and [Reactor] for the full contract.
package corert
