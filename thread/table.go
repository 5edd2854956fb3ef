package thread

import (
	"sync"
	"sync/atomic"

	"github.com/arkendale/corekernel/config"
	"github.com/arkendale/corekernel/kerrs"
)

// KStackPages is the number of pages in one kernel stack.
const KStackPages = 4

// StackAlloc allocates a kernel stack of the given page count and returns
// its base virtual address (the assembled kernel passes kma.Alloc here).
type StackAlloc func(pages int) (uint64, kerrs.Status)

// StackFree returns a kernel stack to its allocator.
type StackFree func(base uint64, pages int)

// Table is the process-wide thread table: the owner of every live thread
// record, per the translation of the source's cyclic scheduler<->thread
// linkage ("ownership is the process-wide thread table, and per-CPU
// pointers are weak references validated under the scheduler lock").
type Table struct {
	mu      sync.Mutex
	threads map[int64]*Thread
	nextID  int64

	limit Sysatomic

	tun        *config.Tunables
	stackAlloc StackAlloc
	stackFree  StackFree

	// Scheduler hooks, registered by sched at init so this package never
	// imports it. MakeReady inserts a thread on a run queue; InterruptFn
	// breaks an interruptible sleep; YieldFn relinquishes the CPU the
	// exiting thread runs on.
	MakeReady   func(t *Thread)
	InterruptFn func(t *Thread)
	YieldFn     func(cpuID int)
}

// MkTable builds a thread table with the given stack allocator. The live
// thread ceiling comes from tun.MaxThreads.
func MkTable(tun *config.Tunables, alloc StackAlloc, free StackFree) *Table {
	t := &Table{
		threads:    make(map[int64]*Thread),
		tun:        tun,
		stackAlloc: alloc,
		stackFree:  free,
	}
	t.limit = Sysatomic(tun.MaxThreads)
	return t
}

// Create allocates a thread in state Created: kernel stack allocated and
// entry(a1, a2) recorded for Thread.Entry. The arch frame is left zeroed;
// Create does not fill it. The thread is not runnable until Run.
func (tb *Table) Create(name string, owner *Process, prio int, flags Flags, entry func(a1, a2 uintptr), a1, a2 uintptr) (*Thread, kerrs.Status) {
	if prio < 0 || prio >= tb.tun.PriorityMax {
		return nil, kerrs.InvalidArgument
	}
	if !tb.limit.Take() {
		return nil, kerrs.OutOfMemory
	}

	var base uint64
	if tb.stackAlloc != nil {
		var st kerrs.Status
		base, st = tb.stackAlloc(KStackPages)
		if st != kerrs.Success {
			tb.limit.Give()
			return nil, st
		}
	}

	t := &Thread{
		Name:        name,
		state:       Created,
		CPU:         -1,
		Prio:        prio,
		MaxPrio:     prio,
		KStackBase:  base,
		kstackPages: KStackPages,
		Proc:        owner,
		flags:       uint32(flags),
		refcount:    1,
		entry:       entry,
		arg1:        a1,
		arg2:        a2,
		wakeCh:      make(chan WakeReason, 1),
		table:       tb,
	}
	if owner != nil {
		owner.noteThreadPrio(prio)
	}

	tb.mu.Lock()
	tb.nextID++
	t.ID = tb.nextID
	tb.threads[t.ID] = t
	tb.mu.Unlock()
	return t, kerrs.Success
}

// Run makes a Created thread Ready, inserting it on a run queue via the
// scheduler hook. Running an already-runnable thread is a programmer error.
func (tb *Table) Run(t *Thread) kerrs.Status {
	t.Lock()
	if t.state != Created {
		t.Unlock()
		return kerrs.InvalidArgument
	}
	t.Unlock()
	if tb.MakeReady == nil {
		kerrs.Fatal("thread", "Run before scheduler attach")
	}
	tb.MakeReady(t)
	return kerrs.Success
}

// Kill marks t for termination: if it is in an interruptible sleep the
// sleep is broken immediately, otherwise the kill is delivered at the
// thread's next kernel exit.
func (tb *Table) Kill(t *Thread) {
	t.SetFlag(FlagKilled)
	t.Lock()
	sleeping := t.state == Sleeping && t.sleepInterruptible
	t.Unlock()
	if sleeping && tb.InterruptFn != nil {
		tb.InterruptFn(t)
	}
}

// Interrupt sets the INTERRUPTED flag and breaks an interruptible sleep.
func (tb *Table) Interrupt(t *Thread) {
	if tb.InterruptFn == nil {
		kerrs.Fatal("thread", "Interrupt before scheduler attach")
	}
	tb.InterruptFn(t)
}

// Exit marks the calling thread Dead and yields; the post-switch path on
// its CPU reaps the record once something else is running there.
func (tb *Table) Exit(t *Thread) {
	t.Lock()
	t.SetState(Dead)
	cpu := t.CPU
	t.Unlock()
	if tb.YieldFn != nil && cpu >= 0 {
		tb.YieldFn(cpu)
	}
}

// Unref drops a reference; at zero the thread record is destroyed: its
// kernel stack is returned and it leaves the table.
func (tb *Table) Unref(t *Thread) {
	c := atomic.AddInt32(&t.refcount, -1)
	if c < 0 {
		kerrs.Fatal("thread", "thread %q refcount below zero", t.Name)
	}
	if c > 0 {
		return
	}
	if tb.stackFree != nil && t.KStackBase != 0 {
		tb.stackFree(t.KStackBase, t.kstackPages)
	}
	tb.mu.Lock()
	delete(tb.threads, t.ID)
	tb.mu.Unlock()
	tb.limit.Give()
}

// Lookup returns the thread with the given id, or nil.
func (tb *Table) Lookup(id int64) *Thread {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.threads[id]
}

// Live returns the number of live threads.
func (tb *Table) Live() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.threads)
}
