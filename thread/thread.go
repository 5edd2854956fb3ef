// Package thread holds the minimum thread/process data model the
// scheduler, trap dispatcher and IPI core need: lifecycle, per-thread arch
// state, the signal queue, and the process-wide thread table that owns
// every live thread record.
package thread

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkendale/corekernel/archconst"
)

// State is a thread's lifecycle state. Transitions are driven solely by the
// scheduler and the trap dispatcher.
type State int32

const (
	// Created means the thread exists but has never been made runnable.
	Created State = iota
	// Ready means the thread is on exactly one CPU's run queue.
	Ready
	// Running means the thread is some CPU's current thread.
	Running
	// Sleeping means the thread is on exactly one wait queue.
	Sleeping
	// Dead means the thread is on no queue and is reaped after the next
	// context switch away from it.
	Dead
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Dead:
		return "dead"
	default:
		return "?"
	}
}

// Flags are per-thread flag bits, manipulated atomically so the preemption
// timer and cross-CPU wakers can read them without the thread lock.
type Flags uint32

const (
	// FlagKilled marks a thread for termination at next kernel exit.
	FlagKilled Flags = 1 << iota
	// FlagInterrupted makes an interruptible sleep return Interrupted.
	FlagInterrupted
	// FlagUnqueueable marks threads that are never put on a run queue
	// (idle, balancer).
	FlagUnqueueable
	// FlagUnmovable pins a thread to its CPU against the load balancer.
	FlagUnmovable
	// FlagUnpreemptable suppresses the preemption timer for this thread.
	FlagUnpreemptable
	// FlagFPUEnabled means the thread has touched the FPU at least once.
	FlagFPUEnabled
	// FlagFPUFrequent makes context switches eagerly save/restore FPU
	// state instead of relying on the device-not-available trap.
	FlagFPUFrequent
	// FlagFrameModified means the trap frame was rewritten (signal frame
	// setup) and the kernel exit path must use the full frame-restoring
	// return rather than a fast path.
	FlagFrameModified
	// FlagInSafeCopy means the thread is inside a safe user-memory access
	// and a fault should restore the saved resume context instead of
	// signalling.
	FlagInSafeCopy
)

// WakeReason says why a Sleeping thread's wait completed.
type WakeReason int

const (
	WakeNormal WakeReason = iota
	WakeInterrupted
	WakeTimeout
	WakeKilled
)

// Thread is the per-thread record. Fields marked "thread lock" are guarded
// by mu (the per-thread spinlock of the locking discipline); fields marked
// "scheduler lock" are guarded by the owning CPU's scheduler lock.
type Thread struct {
	mu sync.Mutex

	ID   int64
	Name string

	state State // thread lock

	// CPU is the thread's assigned CPU (scheduler lock of that CPU).
	CPU int

	// Prio is the current priority, MaxPrio the best (lowest-numbered)
	// level the thread may be boosted back to. Thread lock.
	Prio    int
	MaxPrio int

	// Timeslice is the wall-clock budget remaining before the preemption
	// timer fires. Written by the dispatcher and the timer handler.
	Timeslice time.Duration

	sigMask  SigSet
	pending  []SigInfo
	AltStack AltStack // thread lock

	preemptDepth  int32
	missedPreempt uint32 // atomic; set by the timer, consumed by enable

	KStackBase  uint64
	kstackPages int

	// Arch is the saved register frame the context switch swaps.
	Arch archconst.Frame

	Proc *Process

	// UserFrame points at the user-mode trap frame while the thread is in
	// the kernel on its behalf, nil otherwise. Set by the trap dispatcher
	// on kernel entry from user mode.
	UserFrame *archconst.Frame

	// resume is the saved jump context for safe user-memory access
	// recovery (the longjmp translation: the fault handler restores this
	// frame instead of returning to the faulting instruction).
	resume archconst.Frame

	flags uint32 // atomic Flags

	refcount int32

	entry      func(a1, a2 uintptr)
	arg1, arg2 uintptr

	// wakeCh carries the wake reason to a sleeping thread; buffered so a
	// waker never blocks while holding locks.
	wakeCh chan WakeReason

	// sleepInterruptible records whether the current sleep may be broken
	// by Interrupt/Kill. Thread lock; valid only while state is Sleeping.
	sleepInterruptible bool

	// WaitObj is the wait queue the thread sleeps on (a *sched.WaitQueue;
	// opaque here). Thread lock; non-nil exactly while state is Sleeping.
	WaitObj interface{}

	// EnterNs and LastExitNs are the kernel entry/exit timestamps the
	// accounting hooks use to split user from system time.
	EnterNs    int64
	LastExitNs int64

	Acct Accnt

	fpuState []byte
	fpuUses  int

	table *Table
}

// Lock acquires the per-thread lock. Per the locking discipline it is taken
// before any scheduler lock, never after.
func (t *Thread) Lock()   { t.mu.Lock() }
func (t *Thread) Unlock() { t.mu.Unlock() }

// State returns the thread's lifecycle state. Callers that need a stable
// answer must hold the thread lock.
func (t *Thread) State() State { return State(atomic.LoadInt32((*int32)(&t.state))) }

// SetState transitions the thread's state. Only the scheduler and trap
// dispatcher call this.
func (t *Thread) SetState(s State) { atomic.StoreInt32((*int32)(&t.state), int32(s)) }

// HasFlag reports whether flag f is set.
func (t *Thread) HasFlag(f Flags) bool { return Flags(atomic.LoadUint32(&t.flags))&f != 0 }

// SetFlag sets flag f.
func (t *Thread) SetFlag(f Flags) {
	for {
		old := atomic.LoadUint32(&t.flags)
		if atomic.CompareAndSwapUint32(&t.flags, old, old|uint32(f)) {
			return
		}
	}
}

// ClearFlag clears flag f.
func (t *Thread) ClearFlag(f Flags) {
	for {
		old := atomic.LoadUint32(&t.flags)
		if atomic.CompareAndSwapUint32(&t.flags, old, old&^uint32(f)) {
			return
		}
	}
}

// PreemptDepth returns the preempt-disable nesting depth.
func (t *Thread) PreemptDepth() int32 { return atomic.LoadInt32(&t.preemptDepth) }

// PreemptDisable increments the preempt-disable depth.
func (t *Thread) PreemptDisable() { atomic.AddInt32(&t.preemptDepth, 1) }

// PreemptEnableRaw decrements the depth and reports (newDepth, hadMissed).
// The scheduler's PreemptEnable wraps this to yield when a preemption was
// deferred; a negative depth is an invariant violation the caller must
// treat as fatal.
func (t *Thread) PreemptEnableRaw() (int32, bool) {
	d := atomic.AddInt32(&t.preemptDepth, -1)
	missed := atomic.SwapUint32(&t.missedPreempt, 0) != 0
	if d > 0 && missed {
		// still disabled: keep the deferred preempt pending
		atomic.StoreUint32(&t.missedPreempt, 1)
		return d, false
	}
	return d, missed
}

// NoteMissedPreempt records that the preemption timer fired while
// preemption was disabled.
func (t *Thread) NoteMissedPreempt() { atomic.StoreUint32(&t.missedPreempt, 1) }

// WakeCh exposes the thread's wake channel to the scheduler's sleep path.
func (t *Thread) WakeCh() chan WakeReason { return t.wakeCh }

// SetSleepInterruptible records the current sleep's interruptibility.
// Thread lock.
func (t *Thread) SetSleepInterruptible(v bool) { t.sleepInterruptible = v }

// SleepInterruptible reports whether the current sleep is interruptible.
// Thread lock.
func (t *Thread) SleepInterruptible() bool { return t.sleepInterruptible }

// SetResume saves the jump context for safe user-memory access recovery and
// marks the thread in-safe-copy.
func (t *Thread) SetResume(f archconst.Frame) {
	t.resume = f
	t.SetFlag(FlagInSafeCopy)
}

// ClearResume ends the safe-copy window.
func (t *Thread) ClearResume() { t.ClearFlag(FlagInSafeCopy) }

// Resume returns the saved jump context.
func (t *Thread) Resume() archconst.Frame { return t.resume }

// Entry invokes the thread's entry function the way the trampoline would:
// entry(a1, a2). Create leaves the arch frame zeroed, so a dispatch does
// not reach Entry by itself; it runs when called.
func (t *Thread) Entry() {
	if t.entry != nil {
		t.entry(t.arg1, t.arg2)
	}
}

// FPUTouch accounts one device-not-available trap. It lazily allocates the
// FPU save area on first use and reports whether the eager save/restore
// threshold has been crossed.
func (t *Thread) FPUTouch(eagerThreshold int) bool {
	if t.fpuState == nil {
		t.fpuState = make([]byte, fpuStateSize)
	}
	t.SetFlag(FlagFPUEnabled)
	t.fpuUses++
	if t.fpuUses >= eagerThreshold {
		t.SetFlag(FlagFPUFrequent)
		return true
	}
	return false
}

// fpuStateSize is the fxsave area size.
const fpuStateSize = 512

// Ref takes a reference on the thread.
func (t *Thread) Ref() { atomic.AddInt32(&t.refcount, 1) }

// RefCount returns the current reference count.
func (t *Thread) RefCount() int32 { return atomic.LoadInt32(&t.refcount) }

// Process is the minimal owning-process record the core needs: identity,
// the fixed-priority flag the priority adjuster honours, the process-wide
// best priority, the signal action table and the address space handle.
type Process struct {
	mu sync.Mutex

	ID   int64
	Name string

	// FixedPriority exempts all of the process's threads from the
	// scheduler's bonus/penalty adjustment.
	FixedPriority bool

	// MinPrio is the best (lowest-numbered) priority any thread of this
	// process was created with; the bonus rule never boosts past it.
	MinPrio int

	actions map[Signal]SigAction

	// Space is the process's address space handle (*vmm.Space in the
	// assembled kernel); opaque here so the data model does not depend on
	// the mapper.
	Space interface{}
}

// NewProcess returns a process record with an empty signal action table.
func NewProcess(id int64, name string) *Process {
	return &Process{ID: id, Name: name, MinPrio: int(^uint(0) >> 1), actions: make(map[Signal]SigAction)}
}

// SigAction returns the registered action for sig, if any.
func (p *Process) SigAction(sig Signal) (SigAction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.actions[sig]
	return a, ok
}

// SetSigAction installs the action for sig.
func (p *Process) SetSigAction(sig Signal, a SigAction) {
	p.mu.Lock()
	p.actions[sig] = a
	p.mu.Unlock()
}

// noteThreadPrio folds a new thread's priority into MinPrio.
func (p *Process) noteThreadPrio(prio int) {
	p.mu.Lock()
	if prio < p.MinPrio {
		p.MinPrio = prio
	}
	p.mu.Unlock()
}
