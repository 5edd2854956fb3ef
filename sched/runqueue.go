package sched

import (
	"sync"
	"sync/atomic"

	"github.com/arkendale/corekernel/thread"
)

// Runqueue is one CPU's scheduler state: the multilevel ready-queue array
// (queue 0 highest priority, FIFO within a queue), the runnable counter,
// the current/previous thread pointers and the idle and balancer threads.
// Everything but the atomic runnable counter is guarded by mu (the per-CPU
// scheduler spinlock).
type Runqueue struct {
	mu sync.Mutex

	cpuID  int
	queues [][]*thread.Thread

	// runnable counts queued Ready threads; atomic so the balancer and
	// wake paths can sample other CPUs' load without their locks. It is
	// monotonic with respect to queue membership under mu.
	runnable int64

	curr, prev *thread.Thread

	idle     *thread.Thread
	balancer *thread.Thread
}

// Load returns the runqueue's runnable count.
func (rq *Runqueue) Load() int64 { return atomic.LoadInt64(&rq.runnable) }

// readyInsertLocked appends t to its priority's FIFO and accounts it
// runnable, both per-CPU and globally. Caller holds rq.mu; t must be Ready.
func (s *Scheduler) readyInsertLocked(rq *Runqueue, t *thread.Thread) {
	rq.queues[t.Prio] = append(rq.queues[t.Prio], t)
	atomic.AddInt64(&rq.runnable, 1)
	atomic.AddInt64(&s.threadsRunnable, 1)
}

// pickLocked pops the head of the first non-empty queue, or nil. Caller
// holds rq.mu.
func (s *Scheduler) pickLocked(rq *Runqueue) *thread.Thread {
	for p := range rq.queues {
		q := rq.queues[p]
		if len(q) == 0 {
			continue
		}
		t := q[0]
		rq.queues[p] = q[1:]
		atomic.AddInt64(&rq.runnable, -1)
		atomic.AddInt64(&s.threadsRunnable, -1)
		return t
	}
	return nil
}

// dequeueMovableLocked removes the first thread at prio not pinned by
// FlagUnmovable, adjusting only the per-CPU counter: the thread stays
// Ready and globally runnable, it is merely changing CPUs. Caller holds
// rq.mu.
func (rq *Runqueue) dequeueMovableLocked(prio int) *thread.Thread {
	q := rq.queues[prio]
	for i, t := range q {
		if t.HasFlag(thread.FlagUnmovable) {
			continue
		}
		rq.queues[prio] = append(q[:i], q[i+1:]...)
		atomic.AddInt64(&rq.runnable, -1)
		return t
	}
	return nil
}

// migrateInsertLocked is dequeueMovableLocked's receiving half. Caller
// holds rq.mu.
func (rq *Runqueue) migrateInsertLocked(t *thread.Thread) {
	rq.queues[t.Prio] = append(rq.queues[t.Prio], t)
	atomic.AddInt64(&rq.runnable, 1)
}

// removeLocked unlinks t from its priority queue if present, reporting
// whether it was found. Caller holds rq.mu.
func (s *Scheduler) removeLocked(rq *Runqueue, t *thread.Thread) bool {
	q := rq.queues[t.Prio]
	for i, e := range q {
		if e != t {
			continue
		}
		rq.queues[t.Prio] = append(q[:i], q[i+1:]...)
		atomic.AddInt64(&rq.runnable, -1)
		atomic.AddInt64(&s.threadsRunnable, -1)
		return true
	}
	return false
}

// queueLenLocked returns the number of queued threads in [lo, hi]. Caller
// holds rq.mu.
func (rq *Runqueue) queueLenLocked(lo, hi int) int {
	n := 0
	for p := lo; p <= hi; p++ {
		n += len(rq.queues[p])
	}
	return n
}
