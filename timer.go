package corert

import (
	"container/heap"
	"sync"
	"time"
	"weak"
)

// Timer is a single deadline-ordered entry in a TimerSet. Timers are
// created through TimerSet.Add or AddConditionalTimer and are never
// constructed directly.
type Timer struct {
	next      int64 // unix millis
	period    int64 // 0 for one-shot
	recurring bool
	cb        func()
	// cond, if non-nil, is consulted just before cb fires; if the weak
	// pointer has already been collected the callback is skipped. This is
	// the witness pattern a task uses to cancel a timer implicitly by
	// going away, instead of holding an explicit Timer handle.
	cond    func() bool
	cancel  bool
	index   int // heap index, maintained by container/heap
	manager *TimerSet
}

// Cancel removes the timer from its TimerSet. Safe to call more than once
// or after the timer has already fired.
func (t *Timer) Cancel() bool {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cancel || t.index < 0 {
		return false
	}
	t.cancel = true
	heap.Remove(&m.heap, t.index)
	t.index = -1
	return true
}

// Refresh bumps a timer's deadline forward by its existing period,
// measured from now, without changing the period itself, as opposed to
// Reset which can also change the period.
func (t *Timer) Refresh() bool {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cancel || t.index < 0 {
		return false
	}
	t.next = m.now().Add(time.Duration(t.period) * time.Millisecond).UnixMilli()
	heap.Fix(&m.heap, t.index)
	return true
}

// Reset changes the timer's period and, if fromNow is true, re-bases its
// next deadline off the current time; otherwise it re-bases off the
// timer's previous scheduled start.
func (t *Timer) Reset(periodMs int64, fromNow bool) bool {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cancel || t.index < 0 {
		return false
	}
	start := t.next - t.period
	t.period = periodMs
	if fromNow {
		t.next = m.now().UnixMilli() + periodMs
	} else {
		t.next = start + periodMs
	}
	heap.Fix(&m.heap, t.index)
	return true
}

// timerHeap implements container/heap.Interface over *Timer, ordered by
// next deadline.
type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].next < h[j].next }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerSet is a deadline-ordered set of timers, backed by container/heap.
// A single TimerSet is typically owned by one Reactor, and drained on
// every idle pass: NextTimeoutMs gives the epoll_wait budget, and
// DrainExpired returns the callbacks due to run.
type TimerSet struct {
	mu   sync.Mutex
	heap timerHeap
	// previous is the unix-millis timestamp observed on the last
	// DrainExpired call, used to detect a backwards clock jump.
	previous int64
	// now is overridable for deterministic tests.
	now func() time.Time
}

// NewTimerSet constructs an empty TimerSet.
func NewTimerSet() *TimerSet {
	return &TimerSet{now: time.Now}
}

// Add schedules cb to run after d, repeating every d if recurring.
func (m *TimerSet) Add(d time.Duration, recurring bool, cb func()) *Timer {
	return m.add(d, recurring, cb, nil)
}

// AddConditionalTimer schedules cb the same as (*TimerSet).Add, but cb is
// skipped if witness has already been garbage collected by the time the
// timer fires. This mirrors add_condition_timer's weak_ptr check: a task
// can arm a timeout against itself without the TimerSet keeping the task
// alive, and without needing to explicitly Cancel the timer when the task
// completes first. It is a free function, not a method, because Go methods
// cannot carry their own type parameters.
func AddConditionalTimer[T any](m *TimerSet, d time.Duration, recurring bool, witness *T, cb func()) *Timer {
	wp := weak.Make(witness)
	return m.add(d, recurring, cb, func() bool { return wp.Value() != nil })
}

func (m *TimerSet) add(d time.Duration, recurring bool, cb func(), cond func() bool) *Timer {
	periodMs := d.Milliseconds()
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &Timer{
		next:      m.now().UnixMilli() + periodMs,
		period:    periodMs,
		recurring: recurring,
		cb:        cb,
		cond:      cond,
		manager:   m,
	}
	heap.Push(&m.heap, t)
	return t
}

// detectClockRollover reports whether now is more than an hour behind the
// last observed time, and records now as the new observed time. On true,
// DrainExpired evicts every pending timer, guarding against a stepped
// system clock stranding every timer in the far future.
func (m *TimerSet) detectClockRollover(nowMs int64) bool {
	rollover := false
	if nowMs < m.previous-int64(time.Hour/time.Millisecond) {
		rollover = true
	}
	m.previous = nowMs
	return rollover
}

// NextTimeoutMs returns the number of milliseconds until the next timer is
// due, -1 if there are no pending timers, or 0 if one is already due. The
// caller typically passes this straight through as an epoll_wait timeout.
//
// This deliberately does not run clock-rollover detection itself: that
// check mutates the TimerSet's notion of "previous now", and running it
// here as well as in DrainExpired would let this call consume the one
// rollover signal before DrainExpired ever sees it, defeating the
// eviction entirely on a real backward clock jump. Rollover detection and
// eviction both live solely in DrainExpired; a rollover still resolves
// within one idle pass since the caller re-checks on a capped timeout.
func (m *TimerSet) NextTimeoutMs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.heap) == 0 {
		return -1
	}
	now := m.now().UnixMilli()
	next := m.heap[0].next
	if next <= now {
		return 0
	}
	return int(next - now)
}

// DrainExpired pops every timer due at or before now, rearms recurring
// ones, and returns the callbacks to invoke. A conditional timer whose
// witness has been collected has its callback skipped silently (a
// recurring one is still rearmed). Callbacks are returned
// rather than invoked directly so the caller (the reactor's idle loop) can
// run them outside the TimerSet's lock.
func (m *TimerSet) DrainExpired() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixMilli()
	if m.detectClockRollover(now) {
		var cbs []func()
		for m.heap.Len() > 0 {
			t := heap.Pop(&m.heap).(*Timer)
			t.cancel = true
			if t.cond == nil || t.cond() {
				cbs = append(cbs, t.cb)
			}
		}
		return cbs
	}

	var cbs []func()
	var rearm []*Timer
	for m.heap.Len() > 0 && m.heap[0].next <= now {
		t := heap.Pop(&m.heap).(*Timer)
		fire := t.cond == nil || t.cond()
		if fire {
			cbs = append(cbs, t.cb)
		}
		if t.recurring && !t.cancel {
			t.next = now + t.period
			rearm = append(rearm, t)
		} else {
			t.cancel = true
		}
	}
	for _, t := range rearm {
		heap.Push(&m.heap, t)
	}
	return cbs
}

// Len reports the number of pending timers.
func (m *TimerSet) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heap.Len()
}
