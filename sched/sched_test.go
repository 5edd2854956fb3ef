package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/arkendale/corekernel/archconst"
	"github.com/arkendale/corekernel/config"
	"github.com/arkendale/corekernel/cpu"
	"github.com/arkendale/corekernel/kerrs"
	"github.com/arkendale/corekernel/thread"
)

func newSched(t *testing.T, ncpus int) (*Scheduler, *thread.Table) {
	t.Helper()
	ids := make([]uint32, ncpus)
	for i := range ids {
		ids[i] = uint32(i)
	}
	cpu.Init(ncpus, ids, 0)

	tun := config.New()
	var nextStack uint64 = 0xffff_9000_0000_0000
	table := thread.MkTable(tun, func(pages int) (uint64, kerrs.Status) {
		return atomic.AddUint64(&nextStack, uint64(pages*archconst.PgSize)), kerrs.Success
	}, nil)
	s := New(tun, cpu.Global, table)
	for i := 0; i < ncpus; i++ {
		s.InitPerCPU(i)
	}
	t.Cleanup(s.Stop)
	return s, table
}

func mkThread(t *testing.T, table *thread.Table, name string, proc *thread.Process, prio int) *thread.Thread {
	t.Helper()
	th, st := table.Create(name, proc, prio, 0, nil, 0, 0)
	if st != kerrs.Success {
		t.Fatalf("Create(%s): %v", name, st)
	}
	return th
}

func runOn(t *testing.T, s *Scheduler, table *thread.Table, th *thread.Thread, cpuID int) {
	t.Helper()
	th.CPU = cpuID
	if st := table.Run(th); st != kerrs.Success {
		t.Fatalf("Run(%s): %v", th.Name, st)
	}
}

func TestYieldDispatchesFIFO(t *testing.T) {
	s, table := newSched(t, 1)
	proc := thread.NewProcess(1, "p")
	t1 := mkThread(t, table, "t1", proc, 5)
	t2 := mkThread(t, table, "t2", proc, 5)
	runOn(t, s, table, t1, 0)
	runOn(t, s, table, t2, 0)

	s.Yield(0)
	if cur := s.Current(0); cur != t1 {
		t.Fatalf("first dispatch = %s, want t1", cur.Name)
	}
	if t1.Timeslice != 6*time.Millisecond {
		t.Fatalf("timeslice = %v, want (prio+1)*1ms = 6ms", t1.Timeslice)
	}
	s.Yield(0)
	if cur := s.Current(0); cur != t2 {
		t.Fatalf("second dispatch = %s, want t2 (FIFO)", cur.Name)
	}
	if t1.State() != thread.Ready {
		t.Fatalf("t1 state = %v, want Ready after relinquish", t1.State())
	}
}

func TestIdleWhenNothingRunnable(t *testing.T) {
	s, _ := newSched(t, 1)
	s.Yield(0)
	cur := s.Current(0)
	if cur != s.rqs[0].idle {
		t.Fatalf("current = %s, want idle thread", cur.Name)
	}
	if cur.Timeslice != 0 {
		t.Fatalf("idle timeslice = %v, want 0", cur.Timeslice)
	}
}

func TestRunnableCounterInvariant(t *testing.T) {
	s, table := newSched(t, 2)
	proc := thread.NewProcess(1, "p")
	for i := 0; i < 6; i++ {
		th := mkThread(t, table, "t", proc, 4)
		runOn(t, s, table, th, i%2)
	}
	var sum int64
	for i := 0; i < 2; i++ {
		sum += s.rqs[i].Load()
	}
	if sum != s.ThreadsRunnable() {
		t.Fatalf("sum of per-cpu runnable %d != global %d", sum, s.ThreadsRunnable())
	}
	if s.ThreadsRunnable() != 6 {
		t.Fatalf("threadsRunnable = %d, want 6", s.ThreadsRunnable())
	}
}

func TestPreemptDisableDefersTimerPreemption(t *testing.T) {
	s, table := newSched(t, 1)
	proc := thread.NewProcess(1, "p")
	t1 := mkThread(t, table, "t1", proc, 3)
	t2 := mkThread(t, table, "t2", proc, 3)
	runOn(t, s, table, t1, 0)
	runOn(t, s, table, t2, 0)
	s.Yield(0) // t1 running

	s.PreemptDisable(t1)
	s.TimerFire(0)
	s.Preempt(0)
	if cur := s.Current(0); cur != t1 {
		t.Fatalf("preempted while disabled: current = %s", cur.Name)
	}

	// enable: the deferred preemption fires immediately
	s.PreemptEnable(t1)
	if cur := s.Current(0); cur != t2 {
		t.Fatalf("missed preemption not honoured on enable: current = %s", cur.Name)
	}
	if t1.PreemptDepth() != 0 {
		t.Fatalf("preempt depth = %d, want 0 (balanced)", t1.PreemptDepth())
	}
}

func TestPreemptEnableUnderflowPanics(t *testing.T) {
	s, table := newSched(t, 1)
	th := mkThread(t, table, "t", nil, 3)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on preempt-enable underflow")
		}
	}()
	s.PreemptEnable(th)
}

// Two CPU-bound threads at priorities 2 and 10 on one CPU: the better
// thread keeps the CPU while it is queued, the penalty rule walks it down
// toward the starved thread's level, and the worse thread is never
// penalized because it never prevents higher work from running.
func TestPriorityAdjustmentUnderLoad(t *testing.T) {
	s, table := newSched(t, 1)
	p1 := thread.NewProcess(1, "p1")
	p2 := thread.NewProcess(2, "p2")
	t1 := mkThread(t, table, "t1", p1, 2)
	t2 := mkThread(t, table, "t2", p2, 10)
	runOn(t, s, table, t1, 0)
	runOn(t, s, table, t2, 0)
	s.Yield(0)

	runtimeOf := map[*thread.Thread]time.Duration{}
	var sim time.Duration
	for sim < time.Second {
		cur := s.Current(0)
		slice := cur.Timeslice
		runtimeOf[cur] += slice
		sim += slice
		s.TimerFire(0)
		s.Preempt(0)
	}

	if runtimeOf[t1] <= runtimeOf[t2] {
		t.Fatalf("t1 ran %v, t2 ran %v: better priority got less CPU", runtimeOf[t1], runtimeOf[t2])
	}
	if runtimeOf[t2] == 0 {
		t.Fatalf("t2 starved completely; penalty rule never released the CPU")
	}
	if t2.Prio > 11 {
		t.Fatalf("t2 priority decayed to %d, want at most one penalty level below 10", t2.Prio)
	}
	if p1.FixedPriority || p2.FixedPriority {
		t.Fatalf("fixed-priority flag unexpectedly set")
	}
}

func TestFixedPriorityNeverAdjusted(t *testing.T) {
	s, table := newSched(t, 1)
	p := thread.NewProcess(1, "p")
	p.FixedPriority = true
	t1 := mkThread(t, table, "t1", p, 2)
	t2 := mkThread(t, table, "t2", p, 10)
	runOn(t, s, table, t1, 0)
	runOn(t, s, table, t2, 0)
	s.Yield(0)

	for i := 0; i < 50; i++ {
		s.TimerFire(0)
		s.Preempt(0)
	}
	if t1.Prio != 2 || t2.Prio != 10 {
		t.Fatalf("fixed-priority threads adjusted: t1=%d t2=%d", t1.Prio, t2.Prio)
	}
}

// 16 equal-priority CPU-bound threads created on CPU 0 of a 4-CPU system:
// after each other CPU runs two balancer passes, every CPU hosts 4±1.
func TestLoadBalancerSpreadsThreads(t *testing.T) {
	s, table := newSched(t, 4)
	proc := thread.NewProcess(1, "p")
	for i := 0; i < 16; i++ {
		th := mkThread(t, table, "w", proc, 8)
		runOn(t, s, table, th, 0)
	}

	for pass := 0; pass < 2; pass++ {
		for c := 1; c < 4; c++ {
			s.BalanceOnce(c)
		}
	}

	for c := 0; c < 4; c++ {
		load := s.rqs[c].Load()
		if load < 3 || load > 5 {
			t.Fatalf("cpu %d load = %d, want 4±1", c, load)
		}
	}
	if s.ThreadsRunnable() != 16 {
		t.Fatalf("threadsRunnable = %d, want 16 (migration preserves the global count)", s.ThreadsRunnable())
	}
}

func TestUnmovableThreadsStayPut(t *testing.T) {
	s, table := newSched(t, 2)
	proc := thread.NewProcess(1, "p")
	for i := 0; i < 4; i++ {
		th, st := table.Create("pinned", proc, 8, thread.FlagUnmovable, nil, 0, 0)
		if st != kerrs.Success {
			t.Fatalf("Create: %v", st)
		}
		runOn(t, s, table, th, 0)
	}
	if n := s.BalanceOnce(1); n != 0 {
		t.Fatalf("balancer migrated %d unmovable threads", n)
	}
	if s.rqs[0].Load() != 4 {
		t.Fatalf("cpu 0 load = %d, want 4", s.rqs[0].Load())
	}
}

// An interruptible sleep broken ~20ms in returns Interrupted with the
// thread Ready again.
func TestSleepInterrupted(t *testing.T) {
	s, table := newSched(t, 1)
	th := mkThread(t, table, "sleeper", nil, 4)
	th.CPU = 0
	wq := NewWaitQueue("test")

	done := make(chan kerrs.Status, 1)
	start := time.Now()
	go func() {
		done <- s.Sleep(wq, th, nil, 100*time.Millisecond, Interruptible)
	}()

	time.Sleep(20 * time.Millisecond)
	table.Interrupt(th)

	st := <-done
	elapsed := time.Since(start)
	if st != kerrs.Interrupted {
		t.Fatalf("Sleep = %v, want Interrupted", st)
	}
	if th.State() != thread.Ready {
		t.Fatalf("state = %v, want Ready", th.State())
	}
	if elapsed < 20*time.Millisecond || elapsed > 90*time.Millisecond {
		t.Fatalf("elapsed = %v, want interrupted ~20ms in, well before the 100ms timeout", elapsed)
	}
	if wq.Len() != 0 {
		t.Fatalf("wait queue still holds %d waiters", wq.Len())
	}
}

func TestSleepTimesOut(t *testing.T) {
	s, table := newSched(t, 1)
	th := mkThread(t, table, "sleeper", nil, 4)
	th.CPU = 0
	wq := NewWaitQueue("test")

	if st := s.Sleep(wq, th, nil, 10*time.Millisecond, 0); st != kerrs.TimedOut {
		t.Fatalf("Sleep = %v, want TimedOut", st)
	}
	if th.State() != thread.Ready {
		t.Fatalf("state = %v, want Ready after timeout", th.State())
	}
}

func TestSleepZeroTimeoutWouldBlock(t *testing.T) {
	s, table := newSched(t, 1)
	th := mkThread(t, table, "sleeper", nil, 4)
	wq := NewWaitQueue("test")
	if st := s.Sleep(wq, th, nil, 0, 0); st != kerrs.WouldBlock {
		t.Fatalf("Sleep(timeout=0) = %v, want WouldBlock", st)
	}
}

func TestWakeMakesReady(t *testing.T) {
	s, table := newSched(t, 1)
	th := mkThread(t, table, "sleeper", nil, 4)
	th.CPU = 0
	wq := NewWaitQueue("test")

	done := make(chan kerrs.Status, 1)
	go func() {
		done <- s.Sleep(wq, th, nil, -1, 0)
	}()

	// wait for the sleeper to be queued
	for wq.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	if !s.Wake(th) {
		t.Fatalf("Wake found nothing to wake")
	}
	if st := <-done; st != kerrs.Success {
		t.Fatalf("Sleep = %v, want Success", st)
	}
	if s.Wake(th) {
		t.Fatalf("second Wake should be a no-op")
	}
}

func TestExitReapsThread(t *testing.T) {
	s, table := newSched(t, 1)
	th := mkThread(t, table, "dying", nil, 4)
	runOn(t, s, table, th, 0)
	s.Yield(0)
	if s.Current(0) != th {
		t.Fatalf("thread not dispatched")
	}

	live := table.Live()
	table.Exit(th)
	if th.State() != thread.Dead {
		t.Fatalf("state = %v, want Dead", th.State())
	}
	if s.Current(0) == th {
		t.Fatalf("dead thread still current")
	}
	if table.Live() != live-1 {
		t.Fatalf("live = %d, want %d (reaped)", table.Live(), live-1)
	}
}
