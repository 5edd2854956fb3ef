// Package trap is the trap dispatcher: it receives CPU traps and external
// interrupts, classifies them, routes to registered handlers, and delivers
// synchronous faults as signals to user threads. Kernel-mode faults halt;
// user-mode faults never do.
package trap

import (
	"sync"

	"github.com/arkendale/corekernel/archconst"
	"github.com/arkendale/corekernel/config"
	"github.com/arkendale/corekernel/cpu"
	"github.com/arkendale/corekernel/kerrs"
	"github.com/arkendale/corekernel/pfa"
	"github.com/arkendale/corekernel/sched"
	"github.com/arkendale/corekernel/thread"
	"github.com/arkendale/corekernel/vmm"
)

// VectorCount is the size of the dispatch table.
const VectorCount = 256

// Vector numbers. 0..31 are CPU exceptions, IRQBase..IRQMax external
// interrupts by convention, the rest unknown until registered.
const (
	VecDivide      = 0
	VecDebug       = 1
	VecNMI         = 2
	VecBreakpoint  = 3
	VecInvalidOp   = 6
	VecDNA         = 7 // device not available (lazy FPU)
	VecDoubleFault = 8
	VecGP          = 13
	VecPageFault   = 14
	VecMF          = 16 // x87 FPU error
	VecXM          = 19 // SIMD FPU error

	ExceptionMax = 31
	IRQBase      = 32
	IRQMax       = 47
)

// Handler is one dispatch-table entry, invoked with the saved register
// frame of the trap.
type Handler func(cpuID int, tf *archconst.Frame)

// FaultAccess decodes a page fault's error word for the VM layer.
type FaultAccess struct {
	NotPresent bool
	Write      bool
	Exec       bool
	User       bool
}

// FaultOutcome is the VM layer's verdict on a user-half fault.
type FaultOutcome int

const (
	// FaultResolved means the VM layer installed a mapping; retry the
	// access.
	FaultResolved FaultOutcome = iota
	// FaultNoRegion means no VM region covers the address.
	FaultNoRegion
	// FaultBadAccess means a region exists but forbids the access.
	FaultBadAccess
)

// FaultResolver is the out-of-scope VM-region layer's hook for resolving
// user-half page faults (demand paging, COW).
type FaultResolver interface {
	Resolve(proc *thread.Process, addr uint64, acc FaultAccess) FaultOutcome
}

// Dispatcher is the process-wide trap dispatcher singleton.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers [VectorCount]Handler

	tun    *config.Tunables
	topo   *cpu.Topology
	sched  *sched.Scheduler
	table  *thread.Table
	mapper *vmm.Mapper
	arena  *pfa.Arena

	resolver FaultResolver

	// debuggerActive is the KDB hook: a page fault while the debugger
	// owns the CPUs is diverted to it instead of the usual handling.
	debuggerActive func() bool

	pausedCPUs int32
	haltingAll int32

	log *kerrs.Logger
}

// New builds the dispatcher, populates the vector table with the default
// classification and the specialized exception handlers, and registers the
// kernel-exit signal deliverer with the scheduler.
func New(tun *config.Tunables, topo *cpu.Topology, s *sched.Scheduler, table *thread.Table, mapper *vmm.Mapper, arena *pfa.Arena) *Dispatcher {
	d := &Dispatcher{
		tun:    tun,
		topo:   topo,
		sched:  s,
		table:  table,
		mapper: mapper,
		arena:  arena,
		log:    kerrs.NewLogger("trap"),
	}

	for v := 0; v <= ExceptionMax; v++ {
		d.handlers[v] = d.syncException
	}
	for v := IRQBase; v <= IRQMax; v++ {
		d.handlers[v] = d.irqShim
	}
	for v := IRQMax + 1; v < VectorCount; v++ {
		d.handlers[v] = d.unknown
	}

	d.handlers[VecDivide] = d.divide
	d.handlers[VecDebug] = d.debug
	d.handlers[VecNMI] = d.nmi
	d.handlers[VecInvalidOp] = d.invalidOp
	d.handlers[VecDNA] = d.deviceNotAvailable
	d.handlers[VecDoubleFault] = d.doubleFault
	d.handlers[VecPageFault] = d.pageFault
	d.handlers[VecMF] = d.fpuError
	d.handlers[VecXM] = d.fpuError

	if s != nil {
		s.SetSignalDeliverer(d.DeliverSignals)
	}
	return d
}

// SetFaultResolver installs the VM-region layer's fault hook.
func (d *Dispatcher) SetFaultResolver(r FaultResolver) { d.resolver = r }

// SetDebuggerHook installs the debugger-active predicate.
func (d *Dispatcher) SetDebuggerHook(f func() bool) { d.debuggerActive = f }

// Register installs a handler for an external-interrupt vector. Driver and
// filesystem layers may only claim vectors at or above IRQBase; the
// exception vectors belong to the core.
func (d *Dispatcher) Register(vec int, h Handler) kerrs.Status {
	if vec < 0 || vec >= VectorCount || h == nil {
		return kerrs.InvalidArgument
	}
	if vec < IRQBase {
		return kerrs.PermissionDenied
	}
	d.mu.Lock()
	d.handlers[vec] = h
	d.mu.Unlock()
	return kerrs.Success
}

// Remove restores an external vector's default handler.
func (d *Dispatcher) Remove(vec int) kerrs.Status {
	if vec < IRQBase || vec >= VectorCount {
		return kerrs.InvalidArgument
	}
	d.mu.Lock()
	if vec <= IRQMax {
		d.handlers[vec] = d.irqShim
	} else {
		d.handlers[vec] = d.unknown
	}
	d.mu.Unlock()
	return kerrs.Success
}

func (d *Dispatcher) handler(vec uint64) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if vec >= VectorCount {
		return d.unknown
	}
	return d.handlers[vec]
}

// OnTrap is the hardware entry point, given the saved register frame:
// record user-mode entry on the current thread, dispatch the vector, run
// the kernel-exit hook on the way back to user mode, or honour a pending
// preemption when returning to kernel mode.
func (d *Dispatcher) OnTrap(cpuID int, tf *archconst.Frame) {
	fromUser := tf.FromUser()
	var cur *thread.Thread
	if d.sched != nil {
		cur = d.sched.Current(cpuID)
	}

	if fromUser && cur != nil {
		cur.UserFrame = tf
		d.sched.ThreadAtKernelEntry(cur)
	}

	d.handler(tf.Vector)(cpuID, tf)

	if fromUser && cur != nil {
		d.sched.ThreadAtKernelExit(cpuID, cur)
		cur.ClearFlag(thread.FlagFrameModified)
		cur.UserFrame = nil
	} else if d.sched != nil {
		d.sched.Preempt(cpuID)
	}
}

// irqShim is the default handler for unclaimed external-interrupt vectors.
func (d *Dispatcher) irqShim(cpuID int, tf *archconst.Frame) {
	d.log.Warnf("spurious irq %d on cpu %d", tf.Vector, cpuID)
}

// unknown handles vectors nothing should ever raise.
func (d *Dispatcher) unknown(cpuID int, tf *archconst.Frame) {
	kerrs.Fatal("trap", "unknown interrupt %d on cpu %d\n%s", tf.Vector, cpuID, dumpFrame(tf))
}

// current returns cpuID's running thread.
func (d *Dispatcher) current(cpuID int) *thread.Thread {
	if d.sched == nil {
		return nil
	}
	return d.sched.Current(cpuID)
}
