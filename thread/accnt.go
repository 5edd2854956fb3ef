package thread

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt accumulates per-thread kernel/user time. Both counters are in
// nanoseconds and atomically updated so the kernel entry/exit hooks never
// take a lock; the embedded mutex exists only so Fetch can snapshot both
// fields consistently.
type Accnt struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

// Utadd adds delta nanoseconds of user time.
func (a *Accnt) Utadd(delta int64) { atomic.AddInt64(&a.Userns, delta) }

// Systadd adds delta nanoseconds of system time.
func (a *Accnt) Systadd(delta int64) { atomic.AddInt64(&a.Sysns, delta) }

// Now returns the current time in nanoseconds.
func (a *Accnt) Now() int64 { return time.Now().UnixNano() }

// SleepTime removes time spent sleeping since the given timestamp from
// system time, so blocked time is not billed as CPU time.
func (a *Accnt) SleepTime(since int64) { a.Systadd(-(a.Now() - since)) }

// Finish bills the time since inttime as system time, closing out a kernel
// entry.
func (a *Accnt) Finish(inttime int64) { a.Systadd(a.Now() - inttime) }

// Add merges another record into this one.
func (a *Accnt) Add(n *Accnt) {
	a.Lock()
	a.Userns += atomic.LoadInt64(&n.Userns)
	a.Sysns += atomic.LoadInt64(&n.Sysns)
	a.Unlock()
}

// Fetch returns a consistent snapshot of user and system time.
func (a *Accnt) Fetch() (user, sys time.Duration) {
	a.Lock()
	user = time.Duration(a.Userns)
	sys = time.Duration(a.Sysns)
	a.Unlock()
	return user, sys
}
