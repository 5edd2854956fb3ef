package thread

import "sync/atomic"

// Sysatomic is a numeric resource ceiling that can be taken from and given
// back atomically. Taken uses the optimistic decrement-then-rollback shape:
// decrement, and if the result went negative, add the amount back and
// report failure.
type Sysatomic int64

// Given returns n units to the limit.
func (s *Sysatomic) Given(n int64) {
	if n < 0 {
		panic("thread: negative give")
	}
	atomic.AddInt64((*int64)(s), n)
}

// Taken tries to take n units from the limit, reporting success.
func (s *Sysatomic) Taken(n int64) bool {
	if n < 0 {
		panic("thread: negative take")
	}
	g := atomic.AddInt64((*int64)(s), -n)
	if g >= 0 {
		return true
	}
	atomic.AddInt64((*int64)(s), n)
	return false
}

// Take takes one unit.
func (s *Sysatomic) Take() bool { return s.Taken(1) }

// Give returns one unit.
func (s *Sysatomic) Give() { s.Given(1) }
