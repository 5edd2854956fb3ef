package trap

import (
	"fmt"
	"sync/atomic"

	"github.com/arkendale/corekernel/archconst"
	"github.com/arkendale/corekernel/kerrs"
	"github.com/arkendale/corekernel/thread"
)

// Page-fault error-code bits.
const (
	pfeP    = 1 << 0 // set: protection violation; clear: not present
	pfeW    = 1 << 1 // write access
	pfeU    = 1 << 2 // fault from user mode
	pfeRSVD = 1 << 3 // reserved bit set in a paging structure
	pfeI    = 1 << 4 // instruction fetch
)

// pageFault handles vector 14. The faulting address was latched into the
// frame by the entry stub from the per-CPU fault-address register.
func (d *Dispatcher) pageFault(cpuID int, tf *archconst.Frame) {
	addr := tf.Cr2
	fromUser := tf.FromUser()
	acc := FaultAccess{
		NotPresent: tf.ErrCode&pfeP == 0,
		Write:      tf.ErrCode&pfeW != 0,
		Exec:       tf.ErrCode&pfeI != 0,
		User:       tf.ErrCode&pfeU != 0,
	}

	if d.debuggerActive != nil && d.debuggerActive() {
		return // diverted; the debugger owns the fault
	}

	cur := d.current(cpuID)

	// User-half faults go to the VM layer first (demand paging, COW).
	if addr < archconst.UserVAMax && d.resolver != nil && cur != nil {
		if d.resolver.Resolve(cur.Proc, addr, acc) == FaultResolved {
			return
		}
	}

	// A fault inside a safe user-memory access restores the saved resume
	// context instead of returning to the faulting instruction.
	if cur != nil && cur.HasFlag(thread.FlagInSafeCopy) {
		*tf = cur.Resume()
		cur.ClearResume()
		return
	}

	if fromUser && cur != nil {
		// A kernel-half address from user mode classifies as NoRegion
		// and still raises SIGSEGV, same as any other unresolved user
		// fault.
		info := thread.SigInfo{Signo: thread.SIGSEGV, Code: thread.SegvMaperr, Addr: addr}
		switch {
		case tf.ErrCode&pfeRSVD != 0:
			info.Signo = thread.SIGBUS
			info.Code = thread.BusAdrerr
		case !acc.NotPresent:
			info.Code = thread.SegvAccerr
		}
		cur.SendSignal(info)
		return
	}

	kerrs.Fatal("trap", "kernel page fault at %#x (err %#x) on cpu %d\n%s",
		addr, tf.ErrCode, cpuID, dumpFrame(tf))
}

// syncException is the default handler for unspecialized CPU exceptions:
// user mode gets a signal, kernel mode halts.
func (d *Dispatcher) syncException(cpuID int, tf *archconst.Frame) {
	if tf.FromUser() {
		if cur := d.current(cpuID); cur != nil {
			cur.SendSignal(thread.SigInfo{Signo: thread.SIGILL, Code: thread.IllIllopc, Addr: tf.Rip})
			return
		}
	}
	kerrs.Fatal("trap", "kernel exception %d on cpu %d\n%s", tf.Vector, cpuID, dumpFrame(tf))
}

func (d *Dispatcher) divide(cpuID int, tf *archconst.Frame) {
	d.userSignalOrDie(cpuID, tf, thread.SigInfo{Signo: thread.SIGFPE, Code: thread.FpeIntdiv, Addr: tf.Rip})
}

func (d *Dispatcher) debug(cpuID int, tf *archconst.Frame) {
	d.userSignalOrDie(cpuID, tf, thread.SigInfo{Signo: thread.SIGTRAP, Addr: tf.Rip})
}

func (d *Dispatcher) invalidOp(cpuID int, tf *archconst.Frame) {
	d.userSignalOrDie(cpuID, tf, thread.SigInfo{Signo: thread.SIGILL, Code: thread.IllIllopc, Addr: tf.Rip})
}

func (d *Dispatcher) fpuError(cpuID int, tf *archconst.Frame) {
	d.userSignalOrDie(cpuID, tf, thread.SigInfo{Signo: thread.SIGFPE, Code: thread.FpeFltinv, Addr: tf.Rip})
}

func (d *Dispatcher) userSignalOrDie(cpuID int, tf *archconst.Frame, info thread.SigInfo) {
	if tf.FromUser() {
		if cur := d.current(cpuID); cur != nil {
			cur.SendSignal(info)
			return
		}
	}
	kerrs.Fatal("trap", "kernel-mode exception %d on cpu %d\n%s", tf.Vector, cpuID, dumpFrame(tf))
}

// deviceNotAvailable implements lazy FPU enable: the first trap allocates
// the thread's FPU save area; after a few traps the thread is marked
// FPU-frequent so context switches save/restore eagerly instead of
// trapping again.
func (d *Dispatcher) deviceNotAvailable(cpuID int, tf *archconst.Frame) {
	if !tf.FromUser() {
		kerrs.Fatal("trap", "device-not-available in kernel mode on cpu %d\n%s", cpuID, dumpFrame(tf))
	}
	if cur := d.current(cpuID); cur != nil {
		cur.FPUTouch(d.tun.FPUEagerThreshold)
	}
}

// nmi: while some CPU is paused in the debugger or a halt-all is in
// progress, an NMI parks this CPU; otherwise nothing should be sending
// NMIs.
func (d *Dispatcher) nmi(cpuID int, tf *archconst.Frame) {
	if atomic.LoadInt32(&d.pausedCPUs) > 0 || atomic.LoadInt32(&d.haltingAll) != 0 {
		rec := d.topo.Get(cpuID)
		rec.Lock()
		rec.Running = false
		rec.Unlock()
		return
	}
	kerrs.Fatal("trap", "unexpected NMI on cpu %d\n%s", cpuID, dumpFrame(tf))
}

// doubleFault never attempts recovery.
func (d *Dispatcher) doubleFault(cpuID int, tf *archconst.Frame) {
	kerrs.Fatal("trap", "double fault on cpu %d\n%s", cpuID, dumpFrame(tf))
}

// BeginHaltAll marks a system-wide halt in progress so NMIs park the
// remaining CPUs instead of panicking.
func (d *Dispatcher) BeginHaltAll() { atomic.StoreInt32(&d.haltingAll, 1) }

// SetPaused adjusts the paused-in-debugger CPU count.
func (d *Dispatcher) SetPaused(delta int32) { atomic.AddInt32(&d.pausedCPUs, delta) }

// dumpFrame formats the register dump a fatal trap prints before halting.
func dumpFrame(tf *archconst.Frame) string {
	return fmt.Sprintf(
		"rip %#016x rsp %#016x rfl %#08x cs %#x\n"+
			"rax %#016x rbx %#016x rcx %#016x rdx %#016x\n"+
			"rsi %#016x rdi %#016x rbp %#016x\n"+
			"r8  %#016x r9  %#016x r10 %#016x r11 %#016x\n"+
			"r12 %#016x r13 %#016x r14 %#016x r15 %#016x\n"+
			"vec %d err %#x cr2 %#016x",
		tf.Rip, tf.Rsp, tf.Rflags, tf.CS,
		tf.Rax, tf.Rbx, tf.Rcx, tf.Rdx,
		tf.Rsi, tf.Rdi, tf.Rbp,
		tf.R8, tf.R9, tf.R10, tf.R11,
		tf.R12, tf.R13, tf.R14, tf.R15,
		tf.Vector, tf.ErrCode, tf.Cr2)
}
