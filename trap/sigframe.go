package trap

import (
	"github.com/arkendale/corekernel/archconst"
	"github.com/arkendale/corekernel/kerrs"
	"github.com/arkendale/corekernel/kutil"
	"github.com/arkendale/corekernel/thread"
	"github.com/arkendale/corekernel/vmm"
)

// Signal-frame layout, in the order written by the kernel starting at the
// final (lowest) stack pointer: [return-address = restorer][siginfo]
// [ucontext]. The ucontext holds the full pre-trap register set plus the
// caller's signal mask and alternate-stack descriptor. Sigreturn finds the
// frame at stack pointer - sizeof(return-address) because the handler's
// return popped it.
const (
	retAddrSize = 8

	// siginfo: signo, code, addr
	siginfoSize = 3 * 8

	// ucontext registers: rax..r15 (15) + rip, rsp, rflags, cs
	ucRegCount = 19
	// + sigmask + altstack {base, size, enabled}
	ucontextSize = ucRegCount*8 + 8 + 3*8

	sigFrameSize = retAddrSize + siginfoSize + ucontextSize
)

// DeliverSignals is the kernel-exit hook: take one deliverable pending
// signal and rewrite the trap frame so the return to user mode enters the
// registered handler. A signal with no registered handler terminates the
// thread (the only default action the core implements).
func (d *Dispatcher) DeliverSignals(cpuID int, t *thread.Thread) {
	tf := t.UserFrame
	if tf == nil {
		return
	}
	info, ok := t.TakePendingSignal()
	if !ok {
		return
	}
	if info.Signo == thread.SIGKILL || t.Proc == nil {
		d.table.Exit(t)
		return
	}
	act, ok := t.Proc.SigAction(info.Signo)
	if !ok || act.Handler == 0 {
		d.table.Exit(t)
		return
	}
	if st := d.setupSignalFrame(t, tf, info, act); st != kerrs.Success {
		// Could not even write the signal frame to the user stack.
		d.log.Warnf("thread %q: unwritable signal stack (%v), killing", t.Name, st)
		d.table.Exit(t)
	}
}

// setupSignalFrame writes the signal frame onto the selected user stack
// (alternate stack if configured, else the user stack less the red zone)
// and rewrites tf so the trap return enters the handler with the signal
// number, siginfo pointer and ucontext pointer as arguments.
func (d *Dispatcher) setupSignalFrame(t *thread.Thread, tf *archconst.Frame, info thread.SigInfo, act thread.SigAction) kerrs.Status {
	t.Lock()
	alt := t.AltStack
	t.Unlock()

	sp := tf.Rsp
	if act.UseAltStack && alt.Enabled && !onStack(tf.Rsp, alt) {
		sp = alt.Base + alt.Size
	} else {
		sp -= uint64(d.tun.RedZoneBytes)
	}
	sp &^= 15 // keep the frame aligned

	base := sp - sigFrameSize

	buf := make([]byte, sigFrameSize)
	kutil.Writen(buf, 8, 0, int(act.Restorer))

	off := retAddrSize
	kutil.Writen(buf, 8, off, int(info.Signo))
	kutil.Writen(buf, 8, off+8, info.Code)
	kutil.Writen(buf, 8, off+16, int(info.Addr))

	writeUcontext(buf[retAddrSize+siginfoSize:], tf, t.SigMask(), alt)

	if st := d.copyOut(t.Proc, base, buf); st != kerrs.Success {
		return st
	}

	t.SetSigMask((t.SigMask() | act.Mask).Add(info.Signo))

	tf.Rip = act.Handler
	tf.Rsp = base
	tf.Rdi = uint64(info.Signo)
	tf.Rsi = base + retAddrSize
	tf.Rdx = base + retAddrSize + siginfoSize
	t.SetFlag(thread.FlagFrameModified)
	return kerrs.Success
}

// Sigreturn is the inverse operation, run when the handler's restorer
// traps back into the kernel: restore the saved register set, signal mask
// and alternate-stack descriptor from the on-stack ucontext. The handler's
// return popped the frame's return address, so the frame sits at
// rsp - sizeof(return-address).
func (d *Dispatcher) Sigreturn(cpuID int, tf *archconst.Frame) kerrs.Status {
	cur := d.current(cpuID)
	if cur == nil {
		return kerrs.NotFound
	}
	base := tf.Rsp - retAddrSize
	buf := make([]byte, siginfoSize+ucontextSize)
	if st := d.copyIn(cur.Proc, base+retAddrSize, buf); st != kerrs.Success {
		return st
	}

	uc := buf[siginfoSize:]
	mask, alt := readUcontext(uc, tf)
	cur.SetSigMask(mask)
	cur.Lock()
	cur.AltStack = alt
	cur.Unlock()
	cur.SetFlag(thread.FlagFrameModified)
	return kerrs.Success
}

func onStack(sp uint64, alt thread.AltStack) bool {
	return sp >= alt.Base && sp < alt.Base+alt.Size
}

func writeUcontext(b []byte, tf *archconst.Frame, mask thread.SigSet, alt thread.AltStack) {
	regs := [ucRegCount]uint64{
		tf.Rax, tf.Rbx, tf.Rcx, tf.Rdx, tf.Rsi, tf.Rdi, tf.Rbp,
		tf.R8, tf.R9, tf.R10, tf.R11, tf.R12, tf.R13, tf.R14, tf.R15,
		tf.Rip, tf.Rsp, tf.Rflags, tf.CS,
	}
	off := 0
	for _, r := range regs {
		kutil.Writen(b, 8, off, int(r))
		off += 8
	}
	kutil.Writen(b, 8, off, int(mask))
	off += 8
	kutil.Writen(b, 8, off, int(alt.Base))
	kutil.Writen(b, 8, off+8, int(alt.Size))
	enabled := 0
	if alt.Enabled {
		enabled = 1
	}
	kutil.Writen(b, 8, off+16, enabled)
}

func readUcontext(b []byte, tf *archconst.Frame) (thread.SigSet, thread.AltStack) {
	rd := func(i int) uint64 { return uint64(kutil.Readn(b, 8, i*8)) }
	tf.Rax, tf.Rbx, tf.Rcx, tf.Rdx = rd(0), rd(1), rd(2), rd(3)
	tf.Rsi, tf.Rdi, tf.Rbp = rd(4), rd(5), rd(6)
	tf.R8, tf.R9, tf.R10, tf.R11 = rd(7), rd(8), rd(9), rd(10)
	tf.R12, tf.R13, tf.R14, tf.R15 = rd(11), rd(12), rd(13), rd(14)
	tf.Rip, tf.Rsp, tf.Rflags, tf.CS = rd(15), rd(16), rd(17), rd(18)

	mask := thread.SigSet(rd(ucRegCount))
	alt := thread.AltStack{
		Base:    rd(ucRegCount + 1),
		Size:    rd(ucRegCount + 2),
		Enabled: rd(ucRegCount+3) != 0,
	}
	return mask, alt
}

// userSpace resolves a process's address space handle.
func (d *Dispatcher) userSpace(p *thread.Process) *vmm.Space {
	if p == nil {
		return nil
	}
	s, _ := p.Space.(*vmm.Space)
	return s
}

// copyOut writes b to user virtual address va, page by page through the
// mapper's view of the process space. It fails -- rather than faulting --
// on unmapped or read-only pages; the caller decides the consequence.
func (d *Dispatcher) copyOut(p *thread.Process, va uint64, b []byte) kerrs.Status {
	space := d.userSpace(p)
	if space == nil || d.mapper == nil {
		return kerrs.NotFound
	}
	for len(b) > 0 {
		pg := va &^ uint64(archconst.PgOffset)
		phys, prot, ok := d.mapper.Find(space, pg)
		if !ok {
			return kerrs.NotFound
		}
		if !prot.Write {
			return kerrs.PermissionDenied
		}
		dst := d.arena.Dmap8(phys + archconst.Pa(va-pg))
		n := copy(dst, b)
		b = b[n:]
		va += uint64(n)
	}
	return kerrs.Success
}

// copyIn reads len(b) bytes from user virtual address va.
func (d *Dispatcher) copyIn(p *thread.Process, va uint64, b []byte) kerrs.Status {
	space := d.userSpace(p)
	if space == nil || d.mapper == nil {
		return kerrs.NotFound
	}
	for len(b) > 0 {
		pg := va &^ uint64(archconst.PgOffset)
		phys, _, ok := d.mapper.Find(space, pg)
		if !ok {
			return kerrs.NotFound
		}
		src := d.arena.Dmap8(phys + archconst.Pa(va-pg))
		n := copy(b, src)
		b = b[n:]
		va += uint64(n)
	}
	return kerrs.Success
}
