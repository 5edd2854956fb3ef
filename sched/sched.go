// Package sched is the thread scheduler: per-CPU multilevel run queues,
// time-slice accounting, priority adjustment, preemption, idle, and
// cross-CPU load balancing. Per-CPU state is a fixed array of
// independently locked structs selected by an explicit cpu id; thread
// state transitions are driven only from here and from the trap
// dispatcher.
package sched

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/arkendale/corekernel/config"
	"github.com/arkendale/corekernel/cpu"
	"github.com/arkendale/corekernel/kerrs"
	"github.com/arkendale/corekernel/thread"
)

// SwitchSpaceFunc asks the address-space mapper to load proc's space on
// cpuID (vmm.Mapper.Switch in the assembled kernel).
type SwitchSpaceFunc func(cpuID int, proc *thread.Process)

// SwitchCtxFunc is the low-level register-swap routine.
type SwitchCtxFunc func(out, in *thread.Thread)

// ArmTimerFunc arms cpuID's one-shot preemption timer.
type ArmTimerFunc func(cpuID int, d time.Duration)

// ReschedFunc sends a "reschedule" IPI to an idle CPU that just received
// runnable work.
type ReschedFunc func(cpuID int)

// Scheduler is the process-wide scheduler singleton.
type Scheduler struct {
	tun   *config.Tunables
	topo  *cpu.Topology
	table *thread.Table

	rqs [cpu.MaxCPUs]*Runqueue

	// threadsRunnable is the global runnable counter; at any instant when
	// no scheduler lock is held it equals the sum of the per-CPU
	// counters.
	threadsRunnable int64

	switchSpace SwitchSpaceFunc
	switchCtx   SwitchCtxFunc
	armTimer    ArmTimerFunc
	resched     ReschedFunc

	// deliverSignals is the trap dispatcher's kernel-exit signal hook.
	deliverSignals func(cpuID int, t *thread.Thread)

	stop chan struct{}
	log  *kerrs.Logger
}

// New builds the scheduler and wires itself into the thread table's
// lifecycle hooks.
func New(tun *config.Tunables, topo *cpu.Topology, table *thread.Table) *Scheduler {
	s := &Scheduler{
		tun:   tun,
		topo:  topo,
		table: table,
		stop:  make(chan struct{}),
		log:   kerrs.NewLogger("sched"),
	}
	table.MakeReady = s.MakeReady
	table.InterruptFn = s.Interrupt
	table.YieldFn = s.Yield
	return s
}

// SetSwitchSpace registers the address-space switch callback.
func (s *Scheduler) SetSwitchSpace(f SwitchSpaceFunc) { s.switchSpace = f }

// SetSwitchContext registers the low-level register-swap callback.
func (s *Scheduler) SetSwitchContext(f SwitchCtxFunc) { s.switchCtx = f }

// SetArmTimer registers the preemption-timer arming callback.
func (s *Scheduler) SetArmTimer(f ArmTimerFunc) { s.armTimer = f }

// SetResched registers the reschedule-IPI callback.
func (s *Scheduler) SetResched(f ReschedFunc) { s.resched = f }

// SetSignalDeliverer registers the trap dispatcher's kernel-exit hook.
func (s *Scheduler) SetSignalDeliverer(f func(cpuID int, t *thread.Thread)) {
	s.deliverSignals = f
}

// InitPerCPU builds cpuID's runqueue and idle thread and installs the idle
// thread as the CPU's current thread: every CPU has a Running thread at all
// times.
func (s *Scheduler) InitPerCPU(cpuID int) {
	rec := s.topo.Get(cpuID)
	if rec == nil {
		kerrs.Fatal("sched", "InitPerCPU on unknown cpu %d", cpuID)
	}

	rq := &Runqueue{cpuID: cpuID, queues: make([][]*thread.Thread, s.tun.PriorityMax)}
	idle, st := s.table.Create(fmt.Sprintf("idle/%d", cpuID), nil, s.tun.PriorityMax-1,
		thread.FlagUnqueueable|thread.FlagUnmovable, nil, 0, 0)
	if st != kerrs.Success {
		kerrs.Fatal("sched", "cannot create idle thread for cpu %d: %v", cpuID, st)
	}
	idle.CPU = cpuID
	idle.SetState(thread.Running)
	rq.idle = idle
	rq.curr = idle
	s.rqs[cpuID] = rq

	rec.Lock()
	rec.Running = true
	rec.Idle = true
	rec.CurrentThread = idle
	rec.Unlock()
}

// Runqueue returns cpuID's runqueue (nil before InitPerCPU).
func (s *Scheduler) Runqueue(cpuID int) *Runqueue { return s.rqs[cpuID] }

// Current returns cpuID's running thread.
func (s *Scheduler) Current(cpuID int) *thread.Thread {
	rq := s.rqs[cpuID]
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.curr
}

// ThreadsRunnable returns the global runnable count.
func (s *Scheduler) ThreadsRunnable() int64 { return atomic.LoadInt64(&s.threadsRunnable) }

func (s *Scheduler) timeslice(prio int) time.Duration {
	return time.Duration(prio+1) * s.tun.BaseTimeslice
}

// Yield relinquishes cpuID's CPU: the outgoing thread (if still Running) is
// marked Ready and re-queued, a new thread is picked from the queue walk
// (the idle thread with a zero timeslice when nothing is runnable), the
// pointers are flipped, the preemption timer is armed, and the context and
// address space are switched. The outgoing thread is destroyed afterwards
// if it died.
func (s *Scheduler) Yield(cpuID int) {
	rq := s.rqs[cpuID]

	rq.mu.Lock()
	out := rq.curr
	rq.mu.Unlock()

	tl := lockThread(out)
	ql := lockRunqueue(rq)

	if out.State() == thread.Running {
		out.SetState(thread.Ready)
		if !out.HasFlag(thread.FlagUnqueueable) {
			s.adjustPriorityLocked(rq, out)
			s.readyInsertLocked(rq, out)
		}
	}
	// otherwise the outgoing thread stays in whatever state put it here
	// (Sleeping, Dead)

	next := s.pickLocked(rq)
	if next == nil {
		next = rq.idle
		next.Timeslice = 0
	} else {
		next.Timeslice = s.timeslice(next.Prio)
	}
	next.SetState(thread.Running)
	next.CPU = cpuID
	rq.prev = out
	rq.curr = next
	ql.unlock()

	if s.armTimer != nil && next != rq.idle && !next.HasFlag(thread.FlagUnpreemptable) {
		s.armTimer(cpuID, next.Timeslice)
	}

	if next != out {
		if s.switchSpace != nil && next.Proc != nil {
			s.switchSpace(cpuID, next.Proc)
		}
		if s.switchCtx != nil {
			s.switchCtx(out, next)
		}
	}

	rec := s.topo.Get(cpuID)
	rec.Lock()
	rec.CurrentThread = next
	rec.Idle = next == rq.idle
	rec.ShouldPreempt = false
	rec.Unlock()

	dead := out.State() == thread.Dead
	tl.unlock()
	if dead && out != next {
		s.table.Unref(out)
	}
}

// adjustPriorityLocked applies the relinquish-time bonus/penalty rules to a
// preempted Ready thread being re-queued. Caller holds the thread lock and
// rq.mu. Threads of fixed-priority processes are never adjusted.
func (s *Scheduler) adjustPriorityLocked(rq *Runqueue, t *thread.Thread) {
	if t.Proc != nil && t.Proc.FixedPriority {
		return
	}
	minPrio := t.MaxPrio
	if t.Proc != nil {
		minPrio = t.Proc.MinPrio
	}

	if t.Timeslice > 0 && t.Prio > minPrio {
		// bonus: gave up the CPU early and is below its process's best
		// level
		if t.Prio-1 >= t.MaxPrio {
			t.Prio--
		}
		return
	}

	// penalty: the thread is starving lower-priority work -- nothing
	// queued at its level or better, something queued below it
	if rq.queueLenLocked(0, t.Prio) == 0 &&
		rq.queueLenLocked(t.Prio+1, s.tun.PriorityMax-1) > 0 &&
		t.Prio+1 < s.tun.PriorityMax {
		t.Prio++
	}
}

// MakeReady transitions a thread to Ready and inserts it on a run queue:
// its assigned CPU's, or the least-loaded CPU's on first run.
func (s *Scheduler) MakeReady(t *thread.Thread) {
	tl := lockThread(t)
	cpuID := t.CPU
	if cpuID < 0 {
		cpuID = s.leastLoadedCPU()
		t.CPU = cpuID
	}
	t.SetState(thread.Ready)
	rq := s.rqs[cpuID]
	ql := lockRunqueue(rq)
	s.readyInsertLocked(rq, t)
	ql.unlock()
	tl.unlock()
	s.kickIfIdle(cpuID)
}

func (s *Scheduler) leastLoadedCPU() int {
	best, bestLoad := 0, int64(1<<62)
	for i := 0; i < s.topo.NumCPUs(); i++ {
		if s.rqs[i] == nil {
			continue
		}
		if l := s.rqs[i].Load(); l < bestLoad {
			best, bestLoad = i, l
		}
	}
	return best
}

// kickIfIdle sends a reschedule IPI when the target CPU sits in its idle
// thread, so the new work is picked up before the next natural interrupt.
func (s *Scheduler) kickIfIdle(cpuID int) {
	rec := s.topo.Get(cpuID)
	rec.Lock()
	idle := rec.Idle
	rec.Unlock()
	if idle && s.resched != nil {
		s.resched(cpuID)
	}
}

// TimerFire is the preemption timer's expiry handler: zero the running
// thread's remaining timeslice and request a preemption -- deferred via the
// missed-preempt flag while the thread has preemption disabled.
func (s *Scheduler) TimerFire(cpuID int) {
	rq := s.rqs[cpuID]
	rq.mu.Lock()
	t := rq.curr
	rq.mu.Unlock()
	if t == nil || t == rq.idle {
		return
	}
	t.Timeslice = 0
	if t.PreemptDepth() > 0 {
		t.NoteMissedPreempt()
		return
	}
	rec := s.topo.Get(cpuID)
	rec.Lock()
	rec.ShouldPreempt = true
	rec.Unlock()
}

// Preempt performs the interrupt-exit preemption check: if the timer
// requested one, switch threads now.
func (s *Scheduler) Preempt(cpuID int) {
	rec := s.topo.Get(cpuID)
	rec.Lock()
	should := rec.ShouldPreempt
	rec.ShouldPreempt = false
	rec.Unlock()
	if should {
		s.Yield(cpuID)
	}
}

// PreemptDisable increments t's preempt-disable depth.
func (s *Scheduler) PreemptDisable(t *thread.Thread) { t.PreemptDisable() }

// PreemptEnable decrements the depth; on the transition to zero with a
// deferred preemption pending it yields immediately. Underflow is an
// invariant violation.
func (s *Scheduler) PreemptEnable(t *thread.Thread) {
	d, missed := t.PreemptEnableRaw()
	if d < 0 {
		kerrs.Fatal("sched", "preempt-enable underflow on %q", t.Name)
	}
	if d == 0 && missed {
		s.Yield(t.CPU)
	}
}

// Interrupt sets t's INTERRUPTED flag; if t is in an interruptible sleep
// the sleep is broken and returns Interrupted.
func (s *Scheduler) Interrupt(t *thread.Thread) {
	t.SetFlag(thread.FlagInterrupted)
	t.Lock()
	should := t.State() == thread.Sleeping && t.SleepInterruptible()
	t.Unlock()
	if should {
		s.wake(t, thread.WakeInterrupted)
	}
}

// ThreadAtKernelEntry accounts the user time elapsed since the last kernel
// exit and stamps the entry time.
func (s *Scheduler) ThreadAtKernelEntry(t *thread.Thread) {
	now := t.Acct.Now()
	if t.LastExitNs != 0 {
		t.Acct.Utadd(now - t.LastExitNs)
	}
	t.EnterNs = now
}

// ThreadAtKernelExit bills the kernel time for this entry, delivers pending
// signals through the trap dispatcher's hook, and terminates the thread if
// it was killed while in the kernel.
func (s *Scheduler) ThreadAtKernelExit(cpuID int, t *thread.Thread) {
	if t.HasFlag(thread.FlagKilled) {
		s.table.Exit(t)
		return
	}
	if s.deliverSignals != nil {
		s.deliverSignals(cpuID, t)
	}
	t.Acct.Finish(t.EnterNs)
	t.LastExitNs = t.Acct.Now()
}

// Idle runs one iteration of the idle loop: yield into runnable work when
// it exists, otherwise relax. The idle thread's body is a loop around this;
// in the assembled kernel the relax would be a halt-until-interrupt.
func (s *Scheduler) Idle(cpuID int) {
	if s.rqs[cpuID].Load() > 0 {
		s.Yield(cpuID)
		return
	}
	runtime.Gosched()
}

// Stop terminates the balancer threads (test/teardown helper).
func (s *Scheduler) Stop() { close(s.stop) }
