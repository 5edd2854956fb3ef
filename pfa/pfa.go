package pfa

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/arkendale/corekernel/archconst"
	"github.com/arkendale/corekernel/bootinfo"
	"github.com/arkendale/corekernel/kerrs"
)

// Flags modifies an Alloc/AllocSingle call.
type Flags uint32

const (
	// FlagZero (PM_ZERO) fills the returned run with zeros through a
	// temporary kernel mapping before return.
	FlagZero Flags = 1 << iota
	// FlagWait (MM_WAIT) converts a soft OOM into a block-until-reclaim
	// wait. Mutually exclusive with FlagAtomic.
	FlagWait
	// FlagBoot (MM_BOOT) converts OOM into fatal during boot.
	FlagBoot
	// FlagAtomic (MM_ATOMIC) returns "none" immediately on OOM, never
	// blocking. Mutually exclusive with FlagWait.
	FlagAtomic
)

// Stats is a snapshot of the arena's allocation state.
type Stats struct {
	TotalFrames int
	FreeFrames  uint64
	FreeRuns    int
}

// Arena is the process-wide physical frame allocator: an address-sorted
// resource arena with size-bucketed free lists, operating over frame runs
// rather than single pages.
type Arena struct {
	mu sync.Mutex

	frames   []Frame
	startPgn uint64 // first managed frame's page number
	free     *runlist
	avail    *semaphore.Weighted // gates FlagWait callers on total free frames
	backing  []byte              // mmap'd stand-in for physical RAM
	zeroPage []byte
}

// New builds an Arena over the boot record's Free and Reclaimable ranges.
// Reclaimable ranges are pre-allocated (held out of the free structure)
// until ReleaseReclaimed is called after late init. The physical address
// space is backed by one anonymous mmap region standing in for RAM,
// addressed by offset the way a hypervisor backs guest physical memory
// with a host mapping.
func New(rec *bootinfo.Record) (*Arena, error) {
	var lo, hi archconst.Pa
	first := true
	rec.VisitFree(func(r bootinfo.PhysRange) bool {
		if first || r.Base < lo {
			lo = r.Base
		}
		if first || r.End() > hi {
			hi = r.End()
		}
		first = false
		return true
	})
	rec.VisitReclaimable(func(r bootinfo.PhysRange) bool {
		if r.Base < lo {
			lo = r.Base
		}
		if r.End() > hi {
			hi = r.End()
		}
		return true
	})
	if first {
		return nil, errNoFreeRanges
	}

	spanBytes := int(hi - lo)
	backing, err := unix.Mmap(-1, 0, spanBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}

	npages := spanBytes / archconst.PgSize
	a := &Arena{
		frames:   make([]Frame, npages),
		startPgn: uint64(lo) >> archconst.PgShift,
		free:     newRunlist(),
		avail:    semaphore.NewWeighted(int64(npages)),
		backing:  backing,
		zeroPage: make([]byte, archconst.PgSize),
	}
	for i := range a.frames {
		a.frames[i].base = lo + archconst.Pa(i*archconst.PgSize)
	}

	// Reclaimable ranges start out allocated (refcount pinned at 1) so
	// user code cannot claim them before late init.
	rec.VisitReclaimable(func(r bootinfo.PhysRange) bool {
		idx, n := a.rangeToFrames(r)
		for i := idx; i < idx+n; i++ {
			a.frames[i].refcount = 1
			a.frames[i].queue = QUnqueued
		}
		return true
	})

	// Free ranges seed the free-run structure directly.
	rec.VisitFree(func(r bootinfo.PhysRange) bool {
		idx, n := a.rangeToFrames(r)
		if n == 0 {
			return true
		}
		a.free.insert(uint32(idx), uint64(n), a.frameAt)
		return true
	})

	// avail tracks free frames; its initial capacity is npages, so drain
	// the portion occupied by reclaimable ranges and any never-free gaps
	// down to the real free count before anyone can Alloc.
	notFree := int64(npages) - int64(a.free.count)
	if notFree > 0 {
		if err := a.avail.Acquire(context.Background(), notFree); err != nil {
			return nil, err
		}
	}

	return a, nil
}

var errNoFreeRanges = kerrsInvalidArg("pfa: boot record has no Free ranges")

func kerrsInvalidArg(msg string) error { return &argError{msg} }

type argError struct{ msg string }

func (e *argError) Error() string { return e.msg }

func (a *Arena) rangeToFrames(r bootinfo.PhysRange) (idx, n int) {
	startPgn := uint64(r.Base) >> archconst.PgShift
	endPgn := uint64(r.End()) >> archconst.PgShift
	idx = int(startPgn - a.startPgn)
	n = int(endPgn - startPgn)
	if idx < 0 || idx+n > len(a.frames) {
		kerrs.Fatal("pfa", "boot range %v out of arena bounds", r)
	}
	return idx, n
}

func (a *Arena) frameAt(idx uint32) *Frame { return &a.frames[idx] }

func (a *Arena) pgnToIdx(p archconst.Pa) int {
	return int(uint64(p)>>archconst.PgShift - a.startPgn)
}

// Alloc allocates a run of count contiguous frames subject to alignment
// and window constraints.
func (a *Arena) Alloc(count int, align uint64, min, max archconst.Pa, flags Flags) ([]*Frame, kerrs.Status) {
	if count < 1 {
		return nil, kerrs.InvalidArgument
	}
	if flags&FlagWait != 0 && flags&FlagAtomic != 0 {
		return nil, kerrs.InvalidArgument
	}
	if align != 0 && (align < uint64(archconst.PgSize) || align&(align-1) != 0) {
		return nil, kerrs.InvalidArgument
	}

	n := int64(count)
	switch {
	case flags&FlagWait != 0:
		if err := a.avail.Acquire(context.Background(), n); err != nil {
			return nil, kerrs.OutOfMemory
		}
	default: // FlagAtomic or FlagBoot or unspecified: never block
		if !a.avail.TryAcquire(n) {
			if flags&FlagBoot != 0 {
				kerrs.Fatal("pfa", "out of memory during boot allocating %d frames", count)
			}
			return nil, kerrs.OutOfMemory
		}
	}

	a.mu.Lock()
	frames, ok := a.allocLocked(count, align, min, max)
	a.mu.Unlock()
	if !ok {
		a.avail.Release(n)
		if flags&FlagBoot != 0 {
			kerrs.Fatal("pfa", "fragmentation prevents boot allocation of %d frames", count)
		}
		return nil, kerrs.OutOfMemory
	}

	for _, f := range frames {
		f.refcount = 1
		f.queue = QUnqueued
		f.dirty = false
	}
	if flags&FlagZero != 0 {
		a.zeroFrames(frames)
	}
	return frames, kerrs.Success
}

// AllocSingle allocates exactly one frame.
func (a *Arena) AllocSingle(flags Flags) (*Frame, kerrs.Status) {
	fs, st := a.Alloc(1, 0, 0, 0, flags)
	if st != kerrs.Success {
		return nil, st
	}
	return fs[0], kerrs.Success
}

func (a *Arena) allocLocked(count int, align uint64, min, max archconst.Pa) ([]*Frame, bool) {
	needed := uint64(count)
	alignFrames := uint64(1)
	if align != 0 {
		alignFrames = align / uint64(archconst.PgSize)
	}
	hasWindow := min != 0 || max != 0

	r := a.free.findFit(needed, func(r *run) bool {
		carveStart, ok := a.candidateStart(r, needed, alignFrames, min, max, hasWindow)
		_ = carveStart
		return ok
	})
	if r == nil {
		return nil, false
	}
	carveStart, _ := a.candidateStart(r, needed, alignFrames, min, max, hasWindow)

	a.free.remove(r)
	// front remainder [r.startIdx, carveStart)
	if front := uint64(carveStart) - uint64(r.startIdx); front > 0 {
		a.free.insert(r.startIdx, front, a.frameAt)
	}
	// tail remainder [carveStart+needed, r.startIdx+r.count)
	tailStart := carveStart + uint32(needed)
	if tailEnd := r.startIdx + uint32(r.count); tailEnd > tailStart {
		a.free.insert(tailStart, uint64(tailEnd-tailStart), a.frameAt)
	}

	out := make([]*Frame, needed)
	for i := uint64(0); i < needed; i++ {
		f := a.frameAt(carveStart + uint32(i))
		f.inRun = nil
		out[i] = f
	}
	return out, true
}

// candidateStart finds an aligned start index of length `needed` inside run
// r that also satisfies the [min,max) window, or ok=false.
func (a *Arena) candidateStart(r *run, needed, alignFrames uint64, min, max archconst.Pa, hasWindow bool) (uint32, bool) {
	runStart := uint64(r.startIdx)
	runEnd := runStart + r.count
	lo := runStart
	if hasWindow {
		winLo := uint64(0)
		if min != 0 {
			winLo = uint64(min)>>archconst.PgShift - a.startPgn
		}
		winHi := uint64(len(a.frames))
		if max != 0 {
			winHi = uint64(max)>>archconst.PgShift - a.startPgn
		}
		if winLo > lo {
			lo = winLo
		}
		if runEnd > winHi {
			runEnd = winHi
		}
	}
	// round lo up to alignment
	if alignFrames > 1 {
		rem := lo % alignFrames
		if rem != 0 {
			lo += alignFrames - rem
		}
	}
	if lo+needed > runEnd {
		return 0, false
	}
	return uint32(lo), true
}

func (a *Arena) zeroFrames(frames []*Frame) {
	for _, f := range frames {
		b := a.dmap8(f.base)
		copy(b[:archconst.PgSize], a.zeroPage)
	}
}

// Free returns count frames starting at base to the pool. base must be
// page-aligned and must exactly match the extent of a prior allocation; a
// partial or mismatched free is a caller bug.
func (a *Arena) Free(base archconst.Pa, count int) kerrs.Status {
	if count < 1 || base&archconst.PgOffset != 0 {
		return kerrs.InvalidArgument
	}
	idx := a.pgnToIdx(base)
	if idx < 0 || idx+count > len(a.frames) {
		return kerrs.InvalidArgument
	}

	freed := 0
	a.mu.Lock()
	for i := 0; i < count; i++ {
		f := &a.frames[idx+i]
		if f.refdown() {
			f.queue = QFree
			freed++
		}
	}
	if freed > 0 {
		a.reclaimLocked(uint32(idx), uint64(count))
	}
	a.mu.Unlock()

	if freed > 0 {
		a.avail.Release(int64(freed))
	}
	return kerrs.Success
}

// reclaimLocked re-inserts [idx,idx+count) as free, merging with any
// adjacent free runs.
func (a *Arena) reclaimLocked(idx uint32, count uint64) {
	start := idx
	total := count

	if idx > 0 {
		if left := a.frameAt(idx - 1).inRun; left != nil {
			a.free.remove(left)
			start = left.startIdx
			total += left.count
		}
	}
	if end := idx + uint32(count); int(end) < len(a.frames) {
		if right := a.frameAt(end).inRun; right != nil {
			a.free.remove(right)
			total += right.count
		}
	}
	a.free.insert(start, total, a.frameAt)
}

// Copy copies the contents of frame src into frame dst, through the
// direct map.
func (a *Arena) Copy(dst, src archconst.Pa) {
	d := a.dmap8(dst)
	s := a.dmap8(src)
	copy(d[:archconst.PgSize], s[:archconst.PgSize])
}

// Lookup returns the Frame record for a physical address, or nil if it
// falls outside the arena.
func (a *Arena) Lookup(p archconst.Pa) *Frame {
	idx := a.pgnToIdx(p)
	if idx < 0 || idx >= len(a.frames) {
		return nil
	}
	return &a.frames[idx]
}

// Dmap8 returns a byte slice view of the page containing p through the
// direct map, starting at p's offset into the page.
func (a *Arena) Dmap8(p archconst.Pa) []byte {
	full := a.dmap8(archconst.Pa(uint64(p) &^ uint64(archconst.PgOffset)))
	off := int(p & archconst.PgOffset)
	return full[off:]
}

func (a *Arena) dmap8(p archconst.Pa) []byte {
	off := int(p) - int(a.frames[0].base)
	return a.backing[off : off+archconst.PgSize]
}

// Stats reports the current allocation state.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		TotalFrames: len(a.frames),
		FreeFrames:  a.free.count,
		FreeRuns:    len(a.bucketsFlattened()),
	}
}

func (a *Arena) bucketsFlattened() []*run {
	var out []*run
	for _, set := range a.free.buckets {
		for r := range set {
			out = append(out, r)
		}
	}
	return out
}

// ReleaseReclaimed frees every Reclaimable range from the boot record,
// handing it to the free structure after late init.
func (a *Arena) ReleaseReclaimed(rec *bootinfo.Record) {
	rec.VisitReclaimable(func(r bootinfo.PhysRange) bool {
		idx, n := a.rangeToFrames(r)
		a.Free(a.frameAt(uint32(idx)).base, n)
		return true
	})
}

// Close releases the backing mmap (test/teardown helper).
func (a *Arena) Close() error {
	return unix.Munmap(a.backing)
}
