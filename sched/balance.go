package sched

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/arkendale/corekernel/kerrs"
	"github.com/arkendale/corekernel/thread"
)

// BalanceOnce runs one load-balancing pass on behalf of cpuID's balancer
// thread and returns the number of threads migrated here.
func (s *Scheduler) BalanceOnce(cpuID int) int {
	total := atomic.LoadInt64(&s.threadsRunnable)
	if total == 0 {
		return 0
	}
	ncpu := int64(s.topo.NumCPUs())

	// average rounds UP: rounding down can wedge a single CPU with all
	// the threads when the remainder is large.
	average := (total + ncpu - 1) / ncpu

	own := s.rqs[cpuID]
	if own.Load() >= average {
		return 0
	}

	migrated := 0
	for prio := s.tun.PriorityMax - 1; prio >= 0; prio-- {
		for src := 0; src < int(ncpu); src++ {
			if src == cpuID || s.rqs[src] == nil {
				continue
			}
			srcRq := s.rqs[src]

			// Lock order when crossing runqueues is strictly source
			// then destination; the source lock is dropped before the
			// destination lock is taken so the pair is never held in
			// the reverse order by two balancers racing each other.
			var pulled []*thread.Thread
			sl := lockRunqueue(srcRq)
			for srcRq.Load() > average &&
				own.Load()+int64(len(pulled)) < average {
				t := srcRq.dequeueMovableLocked(prio)
				if t == nil {
					break
				}
				pulled = append(pulled, t)
			}
			sl.unlock()
			if len(pulled) == 0 {
				continue
			}

			for _, t := range pulled {
				tl := lockThread(t)
				t.CPU = cpuID
				tl.unlock()
			}
			dl := lockRunqueue(own)
			for _, t := range pulled {
				own.migrateInsertLocked(t)
			}
			dl.unlock()
			migrated += len(pulled)

			if own.Load() >= average {
				return migrated
			}
		}
	}
	return migrated
}

// StartBalancers creates one dedicated balancer thread per CPU (SMP only)
// that wakes every BalancerInterval, samples the global runnable count, and
// pulls work toward underloaded CPUs.
func (s *Scheduler) StartBalancers() {
	if s.topo.NumCPUs() < 2 {
		return
	}
	for i := 0; i < s.topo.NumCPUs(); i++ {
		cpuID := i
		bt, st := s.table.Create(fmt.Sprintf("balancer/%d", cpuID), nil, s.tun.PriorityMax-1,
			thread.FlagUnqueueable|thread.FlagUnmovable, nil, 0, 0)
		if st != kerrs.Success {
			kerrs.Fatal("sched", "cannot create balancer thread for cpu %d: %v", cpuID, st)
		}
		bt.CPU = cpuID
		s.rqs[cpuID].balancer = bt

		go func() {
			for {
				select {
				case <-s.stop:
					return
				case <-time.After(s.tun.BalancerInterval):
					if atomic.LoadInt64(&s.threadsRunnable) == 0 {
						continue // back to sleep
					}
					s.BalanceOnce(cpuID)
				}
			}
		}()
	}
}
