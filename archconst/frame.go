package archconst

// Frame is the arch-saved register frame: the register snapshot pushed on
// every kernel entry and consumed by the context switch, the trap dispatcher
// and the signal-frame builder. The layout is the single 64-bit model's
// (15 GPRs besides rsp, then rip/rsp/rflags/cs) plus the trap bookkeeping words the
// dispatcher needs (vector, error code, faulting address latch).
type Frame struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	Rip    uint64
	Rsp    uint64
	Rflags uint64
	CS     uint64

	// Vector and ErrCode are pushed by the trap entry stub.
	Vector  uint64
	ErrCode uint64

	// Cr2 latches the faulting address on a page fault. On real hardware
	// this is a per-CPU register read by the fault handler; the entry stub
	// snapshots it into the frame before interrupts are re-enabled so a
	// nested fault cannot clobber it.
	Cr2 uint64
}

// FromUser reports whether the trap originated in user mode (code-segment
// low bits non-zero).
func (f *Frame) FromUser() bool { return f.CS&3 != 0 }

// UserVAMax is the exclusive upper bound of the user half of the virtual
// address space (canonical lower half on a 48-bit MMU).
const UserVAMax uint64 = 1 << 47
