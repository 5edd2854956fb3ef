package trap

import (
	"sync/atomic"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/arkendale/corekernel/archconst"
	"github.com/arkendale/corekernel/bootinfo"
	"github.com/arkendale/corekernel/config"
	"github.com/arkendale/corekernel/cpu"
	"github.com/arkendale/corekernel/kerrs"
	"github.com/arkendale/corekernel/kutil"
	"github.com/arkendale/corekernel/pfa"
	"github.com/arkendale/corekernel/sched"
	"github.com/arkendale/corekernel/thread"
	"github.com/arkendale/corekernel/vmm"
)

type harness struct {
	d      *Dispatcher
	s      *sched.Scheduler
	table  *thread.Table
	mapper *vmm.Mapper
	pm     *pfa.Arena
	tun    *config.Tunables
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rec := &bootinfo.Record{
		PhysRanges: []bootinfo.PhysRange{
			{Base: 0, Length: uint64(512 * archconst.PgSize), Type: bootinfo.RangeFree},
		},
	}
	pm, err := pfa.New(rec)
	if err != nil {
		t.Fatalf("pfa.New: %v", err)
	}
	t.Cleanup(func() { pm.Close() })
	cpu.Init(1, []uint32{0}, 0)
	mapper := vmm.NewMapper(pm, archconst.Caps{NX: true}, nil, cpu.Global)

	tun := config.New()
	var nextStack uint64 = 0xffff_9000_0000_0000
	table := thread.MkTable(tun, func(pages int) (uint64, kerrs.Status) {
		base := atomic.AddUint64(&nextStack, uint64(pages*archconst.PgSize))
		return base, kerrs.Success
	}, nil)
	s := sched.New(tun, cpu.Global, table)
	s.InitPerCPU(0)
	d := New(tun, cpu.Global, s, table, mapper, pm)
	return &harness{d: d, s: s, table: table, mapper: mapper, pm: pm, tun: tun}
}

// runThread creates a user thread, makes it CPU 0's current thread, and
// returns it with its process space set up.
func (h *harness) runThread(t *testing.T) *thread.Thread {
	t.Helper()
	proc := thread.NewProcess(1, "init")
	proc.Space = h.mapper.Init(true, 0, archconst.UserVAMax)
	th, st := h.table.Create("t0", proc, 4, 0, nil, 0, 0)
	if st != kerrs.Success {
		t.Fatalf("Create: %v", st)
	}
	if st := h.table.Run(th); st != kerrs.Success {
		t.Fatalf("Run: %v", st)
	}
	h.s.Yield(0)
	if h.s.Current(0) != th {
		t.Fatalf("thread not dispatched")
	}
	return th
}

// mapUserPage installs one writable user page and returns its physical
// frame.
func (h *harness) mapUserPage(t *testing.T, space *vmm.Space, va uint64) *pfa.Frame {
	t.Helper()
	f, st := h.pm.AllocSingle(pfa.FlagZero)
	if st != kerrs.Success {
		t.Fatalf("AllocSingle: %v", st)
	}
	h.mapper.Insert(space, va, f.Base(), archconst.Prot{Read: true, Write: true}, 0)
	return f
}

func TestRegisterBelowIRQBaseDenied(t *testing.T) {
	h := newHarness(t)
	st := h.d.Register(VecPageFault, func(cpuID int, tf *archconst.Frame) {})
	if st != kerrs.PermissionDenied {
		t.Fatalf("Register(14) = %v, want PermissionDenied", st)
	}
	if st := h.d.Register(IRQBase+3, func(cpuID int, tf *archconst.Frame) {}); st != kerrs.Success {
		t.Fatalf("Register(irq) = %v", st)
	}
	if st := h.d.Remove(IRQBase + 3); st != kerrs.Success {
		t.Fatalf("Remove(irq) = %v", st)
	}
}

func TestPageFaultResolvedByVMLayer(t *testing.T) {
	h := newHarness(t)
	th := h.runThread(t)

	ctrl := gomock.NewController(t)
	resolver := NewMockFaultResolver(ctrl)
	h.d.SetFaultResolver(resolver)

	const faultVA = uint64(0x4000_0000)
	resolver.EXPECT().
		Resolve(th.Proc, faultVA, FaultAccess{NotPresent: true, Write: true, User: true}).
		Return(FaultResolved)

	tf := &archconst.Frame{CS: 3, Vector: VecPageFault, ErrCode: pfeW | pfeU, Cr2: faultVA, Rsp: 0x7000, Rip: 0x1000}
	h.d.OnTrap(0, tf)

	if n := th.PendingSignalCount(); n != 0 {
		t.Fatalf("resolved fault queued %d signals", n)
	}
}

// A user-mode access to a kernel-half address bypasses the VM layer,
// classifies as NoRegion and still raises SIGSEGV. Longstanding behaviour,
// asserted here so nobody silently "fixes" it.
func TestKernelAddressFromUserStillSegfaults(t *testing.T) {
	h := newHarness(t)
	th := h.runThread(t)

	ctrl := gomock.NewController(t)
	resolver := NewMockFaultResolver(ctrl)
	h.d.SetFaultResolver(resolver) // no EXPECT: must not be consulted

	tf := &archconst.Frame{CS: 3, Vector: VecPageFault, ErrCode: pfeU, Cr2: 0xffff_8800_dead_0000, Rsp: 0x7000}
	h.d.OnTrap(0, tf)

	// no handler registered for SIGSEGV: the delivery path terminates the
	// thread at kernel exit
	if th.State() != thread.Dead {
		t.Fatalf("thread state = %v, want Dead after unhandled SIGSEGV", th.State())
	}
}

func TestSafeCopyFaultRestoresResumeContext(t *testing.T) {
	h := newHarness(t)
	cur := h.s.Current(0)

	saved := archconst.Frame{Rip: 0xbeef, Rsp: 0xcafe, CS: 0}
	cur.SetResume(saved)

	tf := &archconst.Frame{CS: 0, Vector: VecPageFault, ErrCode: 0, Cr2: 0x1234}
	h.d.OnTrap(0, tf)

	if tf.Rip != saved.Rip || tf.Rsp != saved.Rsp {
		t.Fatalf("frame not restored: rip=%#x rsp=%#x", tf.Rip, tf.Rsp)
	}
	if cur.HasFlag(thread.FlagInSafeCopy) {
		t.Fatalf("safe-copy flag still set after recovery")
	}
}

func TestDivideFromUserSendsSIGFPE(t *testing.T) {
	h := newHarness(t)
	th := h.runThread(t)
	th.Proc.SetSigAction(thread.SIGFPE, thread.SigAction{Handler: 0x5000, Restorer: 0x4000})
	stackVA := uint64(0x7f000000)
	h.mapUserPage(t, th.Proc.Space.(*vmm.Space), stackVA)

	tf := &archconst.Frame{CS: 3, Vector: VecDivide, Rip: 0x1111, Rsp: stackVA + 0xf00}
	h.d.OnTrap(0, tf)

	if tf.Rip != 0x5000 {
		t.Fatalf("rip = %#x, want handler entry", tf.Rip)
	}
	if tf.Rdi != uint64(thread.SIGFPE) {
		t.Fatalf("arg0 = %d, want SIGFPE", tf.Rdi)
	}
}

func TestDNACountsTowardEagerFPU(t *testing.T) {
	h := newHarness(t)
	th := h.runThread(t)

	for i := 0; i < h.tun.FPUEagerThreshold; i++ {
		if th.HasFlag(thread.FlagFPUFrequent) {
			t.Fatalf("FPU-frequent flag set after only %d traps", i)
		}
		tf := &archconst.Frame{CS: 3, Vector: VecDNA}
		h.d.OnTrap(0, tf)
	}
	if !th.HasFlag(thread.FlagFPUEnabled) || !th.HasFlag(thread.FlagFPUFrequent) {
		t.Fatalf("FPU flags not set after threshold traps")
	}
}

func TestKernelPageFaultPanics(t *testing.T) {
	h := newHarness(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on kernel-mode page fault")
		}
	}()
	tf := &archconst.Frame{CS: 0, Vector: VecPageFault, Cr2: 0xffff_ffff_dead_beef}
	h.d.OnTrap(0, tf)
}

// The end-to-end signal path: an unmapped user access raises SIGSEGV with
// code MAPERR, the signal frame lands on the user stack at kernel exit, the
// thread resumes at the handler, and the ucontext's saved stack pointer
// equals the pre-fault stack pointer.
func TestSignalFrameDelivery(t *testing.T) {
	h := newHarness(t)
	th := h.runThread(t)
	space := th.Proc.Space.(*vmm.Space)

	const handlerVA = uint64(0x5000_0000)
	const restorerVA = uint64(0x5000_1000)
	th.Proc.SetSigAction(thread.SIGSEGV, thread.SigAction{Handler: handlerVA, Restorer: restorerVA})

	stackVA := uint64(0x7f00_0000)
	h.mapUserPage(t, space, stackVA)
	preFaultRsp := stackVA + uint64(archconst.PgSize) - 64

	ctrl := gomock.NewController(t)
	resolver := NewMockFaultResolver(ctrl)
	resolver.EXPECT().Resolve(gomock.Any(), gomock.Any(), gomock.Any()).Return(FaultNoRegion)
	h.d.SetFaultResolver(resolver)

	tf := &archconst.Frame{CS: 3, Vector: VecPageFault, ErrCode: pfeU, Cr2: 0x6000_0000, Rsp: preFaultRsp, Rip: 0x1234}
	h.d.OnTrap(0, tf)

	if tf.Rip != handlerVA {
		t.Fatalf("rip = %#x, want handler %#x", tf.Rip, handlerVA)
	}
	if tf.Rdi != uint64(thread.SIGSEGV) {
		t.Fatalf("signo arg = %d, want SIGSEGV", tf.Rdi)
	}

	// read the frame back through the mapping
	frameBase := tf.Rsp
	phys, _, ok := h.mapper.Find(space, frameBase&^uint64(archconst.PgOffset))
	if !ok {
		t.Fatalf("signal frame base %#x not mapped", frameBase)
	}
	mem := h.pm.Dmap8(phys + archconst.Pa(frameBase&uint64(archconst.PgOffset)))

	if got := uint64(kutil.Readn(mem, 8, 0)); got != restorerVA {
		t.Fatalf("return address = %#x, want restorer %#x", got, restorerVA)
	}
	if got := kutil.Readn(mem, 8, retAddrSize); got != int(thread.SIGSEGV) {
		t.Fatalf("siginfo.signo = %d, want SIGSEGV", got)
	}
	if got := kutil.Readn(mem, 8, retAddrSize+8); got != thread.SegvMaperr {
		t.Fatalf("siginfo.code = %d, want MAPERR", got)
	}
	ucOff := retAddrSize + siginfoSize
	savedRsp := uint64(kutil.Readn(mem, 8, ucOff+16*8))
	if savedRsp != preFaultRsp {
		t.Fatalf("ucontext rsp = %#x, want pre-fault rsp %#x", savedRsp, preFaultRsp)
	}

	// sigreturn: the handler's return popped the return address
	ret := &archconst.Frame{CS: 3, Rsp: tf.Rsp + retAddrSize}
	if st := h.d.Sigreturn(0, ret); st != kerrs.Success {
		t.Fatalf("Sigreturn: %v", st)
	}
	if ret.Rip != 0x1234 || ret.Rsp != preFaultRsp {
		t.Fatalf("sigreturn restored rip=%#x rsp=%#x, want %#x/%#x", ret.Rip, ret.Rsp, 0x1234, preFaultRsp)
	}
}
