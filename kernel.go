// Package corekernel assembles the core subsystems -- frame allocator,
// address-space mapper, kernel arena, trap dispatcher, scheduler, IPI core
// and the thread table -- from one boot record, wiring the callbacks each
// package exposes instead of importing its consumers: the mapper's TLB
// shootdown rides the IPI core, the scheduler's reschedule kick is an IPI,
// the preemption timer and the IPI vector land in the trap dispatcher, and
// kernel stacks come from the arena.
package corekernel

import (
	"github.com/arkendale/corekernel/archconst"
	"github.com/arkendale/corekernel/bootinfo"
	"github.com/arkendale/corekernel/config"
	"github.com/arkendale/corekernel/cpu"
	"github.com/arkendale/corekernel/ipi"
	"github.com/arkendale/corekernel/kerrs"
	"github.com/arkendale/corekernel/kma"
	"github.com/arkendale/corekernel/pfa"
	"github.com/arkendale/corekernel/sched"
	"github.com/arkendale/corekernel/thread"
	"github.com/arkendale/corekernel/trap"
	"github.com/arkendale/corekernel/vmm"
)

// Interrupt vectors the core claims for itself.
const (
	// TimerVector is the per-CPU preemption timer's vector.
	TimerVector = trap.IRQBase

	// IPIVector delivers cross-CPU messages; the handler drains the
	// destination's pending queue.
	IPIVector = trap.IRQMax - 1

	// ReschedVector wakes an idle CPU; the work happens on the
	// interrupt-return path's preemption check, so the handler is empty.
	ReschedVector = trap.IRQMax
)

// Kernel virtual window handed to the arena.
const (
	kernelHeapBase = 0xffff_8800_0000_0000
	kernelHeapSize = 1 << 30
)

// Kernel is the assembled core.
type Kernel struct {
	Tunables *config.Tunables

	PM      *pfa.Arena
	Mapper  *vmm.Mapper
	Arena   *kma.Arena
	IPI     *ipi.Core
	Threads *thread.Table
	Sched   *sched.Scheduler
	Trap    *trap.Dispatcher

	log *kerrs.Logger
}

// Boot consumes the boot record and brings up every core subsystem in
// dependency order. Reclaimable ranges stay held out of the frame pool
// until LateInit.
func Boot(rec *bootinfo.Record, tun *config.Tunables) (*Kernel, error) {
	if tun == nil {
		tun = config.Default
	}
	k := &Kernel{Tunables: tun, log: kerrs.NewLogger("core")}

	apicIDs := make([]uint32, len(rec.CPUs))
	bsp := 0
	caps := archconst.Caps{NX: true, Global: true}
	for i, c := range rec.CPUs {
		apicIDs[i] = c.APICID
		if c.BootCPU {
			bsp = i
		}
		// capabilities are the intersection across the package
		caps.NX = caps.NX && c.NXSupport
		caps.Global = caps.Global && c.GlobalPage
	}
	cpu.Init(len(rec.CPUs), apicIDs, bsp)

	pm, err := pfa.New(rec)
	if err != nil {
		return nil, err
	}
	k.PM = pm
	k.log.Infof("available memory: %d KB", rec.TotalFree()/1024)

	// The mapper's shootdown and the scheduler's resched kick close over
	// k so they can ride the IPI core built after them.
	k.Mapper = vmm.NewMapper(pm, caps, func(targets []int, vaddr uint64, count int) {
		for _, dst := range targets {
			k.IPI.Send(-1, dst, func(m *ipi.Message, a1, a2, a3, a4 uint64) int {
				// invlpg happens on the interrupt path itself; the
				// message only carries the address for diagnostics
				return 0
			}, vaddr, uint64(count), 0, 0, true)
		}
	}, cpu.Global)

	k.Arena = kma.New(kernelHeapBase, kernelHeapSize, pm, k.Mapper)

	k.Threads = thread.MkTable(tun,
		func(pages int) (uint64, kerrs.Status) {
			return k.Arena.Alloc(uint64(pages*archconst.PgSize), 0)
		},
		func(base uint64, pages int) {
			k.Arena.Free(base, uint64(pages*archconst.PgSize))
		})

	k.Sched = sched.New(tun, cpu.Global, k.Threads)
	k.Sched.SetSwitchSpace(func(cpuID int, proc *thread.Process) {
		if sp, ok := proc.Space.(*vmm.Space); ok && sp != nil {
			k.Mapper.Switch(cpuID, sp)
		}
	})
	k.Sched.SetResched(func(cpuID int) {
		k.IPI.Send(-1, cpuID, func(m *ipi.Message, a1, a2, a3, a4 uint64) int { return 0 }, 0, 0, 0, 0, false)
	})

	k.IPI = ipi.Init(cpu.Global, tun.IPIMessagesPerCPU, func(dst int) {
		// The interrupt-controller write: deliver the IPI vector on the
		// destination CPU.
		tf := &archconst.Frame{Vector: IPIVector}
		k.Trap.OnTrap(dst, tf)
	})

	k.Trap = trap.New(tun, cpu.Global, k.Sched, k.Threads, k.Mapper, pm)
	k.Trap.Register(TimerVector, func(cpuID int, tf *archconst.Frame) {
		k.Sched.TimerFire(cpuID)
	})
	k.Trap.Register(IPIVector, func(cpuID int, tf *archconst.Frame) {
		k.IPI.ProcessPending(cpuID)
	})
	k.Trap.Register(ReschedVector, func(cpuID int, tf *archconst.Frame) {})

	for i := range rec.CPUs {
		k.Sched.InitPerCPU(i)
	}
	k.Sched.StartBalancers()
	return k, nil
}

// LateInit releases the boot record's reclaimable ranges into the frame
// pool, ending the init phase.
func (k *Kernel) LateInit(rec *bootinfo.Record) {
	k.PM.ReleaseReclaimed(rec)
}

// Shutdown stops the background workers (test/teardown helper).
func (k *Kernel) Shutdown() {
	k.Sched.Stop()
	k.Arena.Close()
	k.PM.Close()
}
