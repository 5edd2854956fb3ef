package sched

import (
	"sync"
	"time"

	"github.com/arkendale/corekernel/kerrs"
	"github.com/arkendale/corekernel/thread"
)

// SleepFlags modifies a Sleep call.
type SleepFlags uint32

const (
	// Interruptible lets thread.Interrupt or a kill break the sleep with
	// an Interrupted status.
	Interruptible SleepFlags = 1 << iota
)

// WaitQueue is one wait object: a named FIFO of Sleeping threads. Its lock
// is a leaf below the thread lock.
type WaitQueue struct {
	mu      sync.Mutex
	name    string
	waiters []*thread.Thread
}

// NewWaitQueue returns an empty wait queue with a diagnostic name.
func NewWaitQueue(name string) *WaitQueue { return &WaitQueue{name: name} }

func (wq *WaitQueue) add(t *thread.Thread) {
	wq.mu.Lock()
	wq.waiters = append(wq.waiters, t)
	wq.mu.Unlock()
}

func (wq *WaitQueue) remove(t *thread.Thread) {
	wq.mu.Lock()
	for i, e := range wq.waiters {
		if e == t {
			wq.waiters = append(wq.waiters[:i], wq.waiters[i+1:]...)
			break
		}
	}
	wq.mu.Unlock()
}

// Len returns the number of waiters.
func (wq *WaitQueue) Len() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return len(wq.waiters)
}

// Sleep atomically releases lock, marks t Sleeping on wq, yields t's CPU
// and blocks until woken, interrupted or timed out. A timeout of 0 means
// try-lock semantics (return WouldBlock without sleeping); a negative
// timeout sleeps without bound. The caller is t itself.
func (s *Scheduler) Sleep(wq *WaitQueue, t *thread.Thread, lock *sync.Mutex, timeout time.Duration, flags SleepFlags) kerrs.Status {
	interruptible := flags&Interruptible != 0

	// A pending interrupt or kill cancels the sleep up front, without
	// ever holding the wait lock.
	if interruptible && (t.HasFlag(thread.FlagInterrupted) || t.HasFlag(thread.FlagKilled)) {
		t.ClearFlag(thread.FlagInterrupted)
		if lock != nil {
			lock.Unlock()
		}
		return kerrs.Interrupted
	}
	if timeout == 0 {
		if lock != nil {
			lock.Unlock()
		}
		return kerrs.WouldBlock
	}

	tl := lockThread(t)
	t.SetState(thread.Sleeping)
	t.SetSleepInterruptible(interruptible)
	t.WaitObj = wq
	wq.add(t)
	tl.unlock()
	if lock != nil {
		lock.Unlock()
	}

	sleepStart := t.Acct.Now()

	// Dispatch someone else on this CPU before blocking.
	if cpuID := t.CPU; cpuID >= 0 && s.rqs[cpuID] != nil && s.Current(cpuID) == t {
		s.Yield(cpuID)
	}

	var timeoutCh <-chan time.Time
	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timeoutCh = timer.C
	}

	var reason thread.WakeReason
	select {
	case reason = <-t.WakeCh():
	case <-timeoutCh:
		// Wake ourselves; if a real waker beat us, its reason is
		// already in the channel and wake is a no-op.
		s.wake(t, thread.WakeTimeout)
		reason = <-t.WakeCh()
	}
	if timer != nil {
		timer.Stop()
	}
	t.Acct.SleepTime(sleepStart)

	switch reason {
	case thread.WakeInterrupted, thread.WakeKilled:
		t.ClearFlag(thread.FlagInterrupted)
		return kerrs.Interrupted
	case thread.WakeTimeout:
		return kerrs.TimedOut
	default:
		return kerrs.Success
	}
}

// Wake transitions a Sleeping thread to Ready and re-inserts it on its
// CPU's run queue, reporting whether there was anything to wake. An idle
// target CPU gets a reschedule IPI.
func (s *Scheduler) Wake(t *thread.Thread) bool {
	return s.wake(t, thread.WakeNormal)
}

func (s *Scheduler) wake(t *thread.Thread, reason thread.WakeReason) bool {
	tl := lockThread(t)
	if t.State() != thread.Sleeping {
		tl.unlock()
		return false
	}
	if wq, ok := t.WaitObj.(*WaitQueue); ok && wq != nil {
		wq.remove(t)
	}
	t.WaitObj = nil
	t.SetState(thread.Ready)
	cpuID := t.CPU
	if cpuID < 0 || s.rqs[cpuID] == nil {
		cpuID = s.leastLoadedCPU()
		t.CPU = cpuID
	}
	rq := s.rqs[cpuID]
	ql := lockRunqueue(rq)
	s.readyInsertLocked(rq, t)
	ql.unlock()
	tl.unlock()

	select {
	case t.WakeCh() <- reason:
	default:
	}
	s.kickIfIdle(cpuID)
	return true
}
