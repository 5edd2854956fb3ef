// Package pfa is the physical frame allocator: it owns every usable
// physical frame and allocates/frees aligned runs with address-range
// constraints. Free space is tracked as runs of contiguous frames, bucketed
// by the highest bit of the run length; the arena is seeded from the boot
// memory map.
package pfa

import (
	"sync/atomic"

	"github.com/arkendale/corekernel/archconst"
)

// Queue is a frame's queue membership. Membership is explicit and
// independent of allocation state: the PFA never itself puts allocated
// frames on Modified/Cached/Pageable -- only owning code calls
// Frame.SetQueue.
type Queue int

const (
	// QFree means owner-count == 0 and the frame sits on the PFA's free
	// structure.
	QFree Queue = iota
	QModified
	QCached
	QPageable
	QUnqueued
)

func (q Queue) String() string {
	switch q {
	case QFree:
		return "free"
	case QModified:
		return "modified"
	case QCached:
		return "cached"
	case QPageable:
		return "pageable"
	case QUnqueued:
		return "unqueued"
	default:
		return "?"
	}
}

// Frame is the permanent per-physical-page record. Created once at boot
// for every usable page and never destroyed -- only moved between queues
// and allocation states.
type Frame struct {
	base archconst.Pa

	// refcount governs allocation state: 0 means free (on the PFA's
	// free structure). Atomically adjusted by callers that share a
	// frame, e.g. vmm installing the same COW page in two page tables.
	refcount int32

	queue  Queue
	dirty  bool
	object interface{} // optional back-reference to an owning VM object
	offset int64       // offset within that object

	// inRun points at the free run this frame currently belongs to, or
	// nil when the frame is allocated. Only the run's head frame's
	// inRun pointer is authoritative for bucket membership; every frame
	// in the run carries it too so Free's neighbour check
	// (frames[start-1].inRun, frames[start+count].inRun) is O(1).
	inRun *run
}

// Base returns the frame's physical base address.
func (f *Frame) Base() archconst.Pa { return f.base }

// RefCount returns the current reference count.
func (f *Frame) RefCount() int32 { return atomic.LoadInt32(&f.refcount) }

// Queue returns the frame's current queue membership.
func (f *Frame) Queue() Queue { return f.queue }

// SetQueue moves the frame into queue q. The PFA never calls this on an
// allocated frame's behalf -- only owning code (typically kma or vmm's page
// cache logic) does, and removal from a non-free queue is equally
// explicit.
func (f *Frame) SetQueue(q Queue) {
	if q == QFree {
		panic("pfa: SetQueue(QFree) is the allocator's job, not the owner's")
	}
	f.queue = q
}

// Dirty reports the frame's dirty bit.
func (f *Frame) Dirty() bool { return f.dirty }

// SetDirty sets or clears the dirty bit.
func (f *Frame) SetDirty(d bool) { f.dirty = d }

// Object returns the frame's owning-VM-object back-reference and offset, if
// any.
func (f *Frame) Object() (interface{}, int64) { return f.object, f.offset }

// SetObject installs the owning-VM-object back-reference.
func (f *Frame) SetObject(obj interface{}, offset int64) {
	f.object = obj
	f.offset = offset
}

func (f *Frame) refup() int32 {
	c := atomic.AddInt32(&f.refcount, 1)
	if c <= 0 {
		panic("pfa: refup on a frame with non-positive refcount")
	}
	return c
}

// refdown decrements the refcount and reports whether it reached zero.
func (f *Frame) refdown() bool {
	c := atomic.AddInt32(&f.refcount, -1)
	if c < 0 {
		panic("pfa: refdown below zero")
	}
	return c == 0
}

// RefUp increments the frame's reference count. Exported for callers
// outside this package that share a frame across more than one owner --
// vmm's per-CPU root-table tracking and page-table sharing for COW.
func (f *Frame) RefUp() int32 { return f.refup() }

// RefDown decrements the frame's reference count and reports whether it
// reached zero. The caller, not Frame, decides what "reached zero" means
// for a non-PFA-owned reference: RefDown never returns the frame to the
// PFA's free structure (Arena.Free does that).
func (f *Frame) RefDown() bool { return f.refdown() }
