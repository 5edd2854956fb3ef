// Package ipi is the inter-processor communication core: a bounded pool of
// message records used to request synchronous or asynchronous remote
// execution on other CPUs, handshaking via interrupt + spin. The pool is
// sized once at init and recycled; senders never allocate.
package ipi

import (
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/arkendale/corekernel/cpu"
	"github.com/arkendale/corekernel/kerrs"
)

// Handler runs on the destination CPU with its message record and the
// sender's four arguments. Its return value becomes the message status
// unless the handler called Acknowledge on the record itself; for a
// same-CPU send the handler runs inline with a nil record.
type Handler func(m *Message, a1, a2, a3, a4 uint64) int

// Message is one pooled IPI record. Invariant: refcount == 0 exactly when
// the record is on the free pool and on no CPU queue.
type Message struct {
	handler Handler
	args    [4]uint64

	acked  int32 // atomic
	status int32

	refcount int32

	next *Message // free-pool link or destination-queue link
}

// Acknowledge records the handler's status and releases a synchronous
// sender spinning on this message.
func (m *Message) Acknowledge(status int) {
	atomic.StoreInt32(&m.status, int32(status))
	atomic.StoreInt32(&m.acked, 1)
}

func (m *Message) acknowledged() bool { return atomic.LoadInt32(&m.acked) != 0 }

type cpuQueue struct {
	mu         sync.Mutex
	head, tail *Message
	// ipiSent means the destination has an unacknowledged interrupt
	// pending, so enqueueing more work needs no further interrupt.
	ipiSent bool
}

// RaiseFunc delivers the actual inter-processor interrupt to dst (in the
// assembled kernel, a write to the interrupt controller that lands in the
// trap dispatcher's IPI vector).
type RaiseFunc func(dst int)

// Core is the process-wide IPI singleton.
type Core struct {
	mu       sync.Mutex // pool lock
	freeHead *Message
	avail    *semaphore.Weighted

	queues [cpu.MaxCPUs]cpuQueue

	topo  *cpu.Topology
	raise RaiseFunc
}

// Init allocates the fixed pool of perCPU x cpu-count records and returns
// the core. raise may be nil in tests that deliver by calling
// ProcessPending directly.
func Init(topo *cpu.Topology, perCPU int, raise RaiseFunc) *Core {
	n := perCPU * topo.NumCPUs()
	if n <= 0 {
		kerrs.Fatal("ipi", "empty message pool (%d per cpu, %d cpus)", perCPU, topo.NumCPUs())
	}
	c := &Core{topo: topo, raise: raise, avail: semaphore.NewWeighted(int64(n))}
	for i := 0; i < n; i++ {
		m := &Message{}
		m.next = c.freeHead
		c.freeHead = m
	}
	return c
}

// take pulls a record off the pool, busy-waiting while processing our own
// pending queue when the pool is empty -- the reentrancy contract that
// keeps two CPUs each sending to the other from deadlocking.
func (c *Core) take(self int) *Message {
	for {
		if c.avail.TryAcquire(1) {
			c.mu.Lock()
			m := c.freeHead
			c.freeHead = m.next
			c.mu.Unlock()
			m.next = nil
			return m
		}
		c.ProcessPending(self)
		runtime.Gosched()
	}
}

// unref drops one reference; the last reference returns the record to the
// pool.
func (c *Core) unref(m *Message) {
	r := atomic.AddInt32(&m.refcount, -1)
	if r < 0 {
		kerrs.Fatal("ipi", "message refcount below zero")
	}
	if r > 0 {
		return
	}
	m.handler = nil
	m.next = nil
	c.mu.Lock()
	m.next = c.freeHead
	c.freeHead = m
	c.mu.Unlock()
	c.avail.Release(1)
}

// Send requests execution of h(a1..a4) on CPU dst. A send to the caller's
// own CPU executes the handler inline and returns Success without raising
// an interrupt, so that handler's status is returned whether or not sync
// is set. For sync sends to another CPU the handler's status is returned;
// async sends to another CPU return 0.
func (c *Core) Send(self, dst int, h Handler, a1, a2, a3, a4 uint64, sync bool) (int, kerrs.Status) {
	if dst == self {
		return h(nil, a1, a2, a3, a4), kerrs.Success
	}
	rec := c.topo.Get(dst)
	if rec == nil {
		return 0, kerrs.NotFound
	}
	rec.Lock()
	up := rec.Running
	rec.Unlock()
	if !up {
		return 0, kerrs.NotFound
	}

	m := c.take(self)
	m.handler = h
	m.args = [4]uint64{a1, a2, a3, a4}
	atomic.StoreInt32(&m.acked, 0)
	atomic.StoreInt32(&m.status, 0)
	// one reference for the sender, one for the receiver
	atomic.StoreInt32(&m.refcount, 2)

	c.enqueue(dst, m)

	status := 0
	if sync {
		c.drain(self, m)
		status = int(atomic.LoadInt32(&m.status))
	}
	c.unref(m)
	return status, kerrs.Success
}

func (c *Core) enqueue(dst int, m *Message) {
	q := &c.queues[dst]
	q.mu.Lock()
	if q.tail != nil {
		q.tail.next = m
	} else {
		q.head = m
	}
	q.tail = m
	needRaise := !q.ipiSent
	q.ipiSent = true
	q.mu.Unlock()
	if needRaise && c.raise != nil {
		c.raise(dst)
	}
}

// drain spins until m is acknowledged, processing our own pending queue to
// stay live against a concurrent sender targeting us.
func (c *Core) drain(self int, m *Message) {
	for !m.acknowledged() {
		c.ProcessPending(self)
		runtime.Gosched()
	}
}

// Broadcast sends h to every running CPU except self. Synchronous
// broadcasts keep the list of sent messages and drain acks from all of
// them, still servicing the local queue.
func (c *Core) Broadcast(self int, h Handler, a1, a2, a3, a4 uint64, sync bool) kerrs.Status {
	var sent []*Message
	c.topo.ForEachRunning(self, func(dst int) {
		m := c.take(self)
		m.handler = h
		m.args = [4]uint64{a1, a2, a3, a4}
		atomic.StoreInt32(&m.acked, 0)
		atomic.StoreInt32(&m.status, 0)
		atomic.StoreInt32(&m.refcount, 2)
		c.enqueue(dst, m)
		sent = append(sent, m)
	})
	if sync {
		for _, m := range sent {
			c.drain(self, m)
		}
	}
	for _, m := range sent {
		c.unref(m)
	}
	return kerrs.Success
}

// ProcessPending empties self's queue, invoking each handler with its
// registered arguments. A handler that did not explicitly Acknowledge has
// its return value recorded as the status. Runs in interrupt context (the
// trap dispatcher's IPI vector) and from send/broadcast spin loops.
func (c *Core) ProcessPending(self int) {
	if self < 0 || self >= cpu.MaxCPUs {
		// senders with no CPU identity (boot-time wiring) have no queue
		return
	}
	q := &c.queues[self]
	for {
		q.mu.Lock()
		m := q.head
		if m == nil {
			// queue drained: allow the next enqueue to raise a fresh
			// interrupt
			q.ipiSent = false
			q.mu.Unlock()
			return
		}
		q.head = m.next
		if q.head == nil {
			q.tail = nil
		}
		q.mu.Unlock()
		m.next = nil

		ret := m.handler(m, m.args[0], m.args[1], m.args[2], m.args[3])
		if !m.acknowledged() {
			m.Acknowledge(ret)
		}
		c.unref(m)
	}
}

// FreeCount reports how many records are on the free pool (for invariant
// checks).
func (c *Core) FreeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for m := c.freeHead; m != nil; m = m.next {
		n++
	}
	return n
}
