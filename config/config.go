// Package config collects the kernel-wide tunables. One struct of defaults
// and one constructor; these are boot-time knobs, not user configuration,
// so there is no file format behind them.
package config

import "time"

// Tunables holds the core's compile-time-ish knobs. A single process-wide
// instance (Default) is used unless a caller constructs its own for tests.
type Tunables struct {
	// PriorityMax is the number of scheduler priority levels; 0 is
	// highest.
	PriorityMax int

	// BaseTimeslice is the per-priority-level timeslice unit; the actual
	// timeslice is (priority+1) * BaseTimeslice.
	BaseTimeslice time.Duration

	// BalancerInterval is how often each CPU's load-balancer thread
	// wakes to rebalance ready threads.
	BalancerInterval time.Duration

	// IPIMessagesPerCPU sizes the fixed IPI message pool:
	// IPIMessagesPerCPU * NumCPU records total.
	IPIMessagesPerCPU int

	// MaxThreads bounds the system-wide live thread count, generalizing
	// limits.Syslimit_t.Sysprocs.
	MaxThreads int

	// FrameQueueLowWatermark is a free-frame count carried as a default
	// only: the frame allocator does not read it, and MM_WAIT callers
	// block only when fewer free frames remain than they request.
	FrameQueueLowWatermark int

	// FPUEagerThreshold is the number of device-not-available traps
	// after which a thread's FPU state is eagerly saved/restored on
	// every context switch rather than lazily.
	FPUEagerThreshold int

	// RedZoneBytes is the number of bytes below the user stack pointer
	// the kernel must not clobber when building a signal frame.
	RedZoneBytes int
}

// Default holds the stock tunables.
var Default = New()

// New returns a Tunables populated with the default values.
func New() *Tunables {
	return &Tunables{
		PriorityMax:            32,
		BaseTimeslice:          time.Millisecond,
		BalancerInterval:       2 * time.Second,
		IPIMessagesPerCPU:      16,
		MaxThreads:             1e4,
		FrameQueueLowWatermark: 256,
		FPUEagerThreshold:      8,
		RedZoneBytes:           128,
	}
}
