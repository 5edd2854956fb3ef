package thread

// Signal is a POSIX-style signal number delivered to user threads by the
// trap dispatcher; synchronous user-mode exceptions never panic, they
// become one of these.
type Signal int

const (
	SIGILL  Signal = 4
	SIGTRAP Signal = 5
	SIGBUS  Signal = 7
	SIGFPE  Signal = 8
	SIGKILL Signal = 9
	SIGSEGV Signal = 11
)

func (s Signal) String() string {
	switch s {
	case SIGILL:
		return "SIGILL"
	case SIGTRAP:
		return "SIGTRAP"
	case SIGBUS:
		return "SIGBUS"
	case SIGFPE:
		return "SIGFPE"
	case SIGKILL:
		return "SIGKILL"
	case SIGSEGV:
		return "SIGSEGV"
	default:
		return "SIG?"
	}
}

// siginfo codes, per signal.
const (
	// SegvMaperr: address not mapped to any region.
	SegvMaperr = 1
	// SegvAccerr: mapped but the access violates protections.
	SegvAccerr = 2
	// BusAdrerr: non-existent physical address behind a valid mapping.
	BusAdrerr = 2
	// FpeIntdiv: integer divide by zero.
	FpeIntdiv = 1
	// FpeFltinv: invalid floating-point operation.
	FpeFltinv = 7
	// IllIllopc: illegal opcode.
	IllIllopc = 1
)

// SigInfo is the kernel-side shape of the siginfo record written into the
// user signal frame.
type SigInfo struct {
	Signo Signal
	Code  int
	Addr  uint64
}

// SigSet is a signal mask, one bit per signal number.
type SigSet uint64

// Has reports whether sig is in the set.
func (s SigSet) Has(sig Signal) bool { return s&(1<<uint(sig)) != 0 }

// Add returns the set with sig added.
func (s SigSet) Add(sig Signal) SigSet { return s | 1<<uint(sig) }

// AltStack is the per-thread alternate signal stack descriptor, part of the
// user-visible ucontext layout.
type AltStack struct {
	Base    uint64
	Size    uint64
	Enabled bool
}

// SigAction is a process-wide registration for one signal: the user-mode
// handler entry point, the restorer the kernel writes as the frame's return
// address, and the mask applied while the handler runs.
type SigAction struct {
	Handler     uint64
	Restorer    uint64
	Mask        SigSet
	UseAltStack bool
}

// SendSignal queues info on the thread. The signal is delivered at the next
// kernel exit if it is not masked; SIGKILL is never maskable.
func (t *Thread) SendSignal(info SigInfo) {
	t.Lock()
	t.pending = append(t.pending, info)
	t.Unlock()
	if info.Signo == SIGKILL {
		t.SetFlag(FlagKilled)
	}
}

// TakePendingSignal pops the first pending signal not blocked by the
// thread's mask, or ok=false when none is deliverable.
func (t *Thread) TakePendingSignal() (SigInfo, bool) {
	t.Lock()
	defer t.Unlock()
	for i, info := range t.pending {
		if t.sigMask.Has(info.Signo) && info.Signo != SIGKILL {
			continue
		}
		t.pending = append(t.pending[:i], t.pending[i+1:]...)
		return info, true
	}
	return SigInfo{}, false
}

// PendingSignalCount returns the number of queued (possibly masked)
// signals.
func (t *Thread) PendingSignalCount() int {
	t.Lock()
	defer t.Unlock()
	return len(t.pending)
}

// SigMask returns the thread's signal mask.
func (t *Thread) SigMask() SigSet {
	t.Lock()
	defer t.Unlock()
	return t.sigMask
}

// SetSigMask replaces the thread's signal mask.
func (t *Thread) SetSigMask(m SigSet) {
	t.Lock()
	t.sigMask = m
	t.Unlock()
}
