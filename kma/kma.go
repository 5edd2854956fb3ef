// Package kma is the kernel memory arena: it carves the kernel virtual
// range into allocated/free segments, coalesces on free, and backs ranges
// with anonymous frames when requested. One address-ordered list covers the
// window; free records also live on highbit(size) buckets with a
// non-empty-bucket bitmap, allocated records also live in an FNV-hashed
// table keyed by base address.
package kma

import (
	"sync"

	"github.com/arkendale/corekernel/archconst"
	"github.com/arkendale/corekernel/kerrs"
	"github.com/arkendale/corekernel/kutil"
	"github.com/arkendale/corekernel/pfa"
	"github.com/arkendale/corekernel/vmm"
)

// Arena is the process-wide kernel VM arena. All range-list and index
// mutation happens under mu (the KMA global mutex of the locking
// discipline).
type Arena struct {
	mu sync.Mutex

	base uint64
	size uint64

	head, tail *record

	free  freeIndex
	alloc *allocIndex

	pm     *pfa.Arena
	mapper *vmm.Mapper
	space  *vmm.Space

	// rehashReq carries requested bucket counts to the background
	// rehasher; buffered so the allocation hot path never blocks on it.
	rehashReq chan int
	stop      chan struct{}

	log *kerrs.Logger
}

const initialHashBuckets = 64

// New builds an arena over the kernel VM window [base, base+size). pm and
// mapper back the page-granular Alloc/Free/Map/Unmap surface; they may be
// nil for a raw-range-only arena (early boot, tests of the range logic).
func New(base, size uint64, pm *pfa.Arena, mapper *vmm.Mapper) *Arena {
	if size == 0 || base%uint64(archconst.PgSize) != 0 || size%uint64(archconst.PgSize) != 0 {
		kerrs.Fatal("kma", "bad arena window [%#x, +%#x)", base, size)
	}
	a := &Arena{
		base:      base,
		size:      size,
		alloc:     newAllocIndex(initialHashBuckets),
		pm:        pm,
		mapper:    mapper,
		rehashReq: make(chan int, 1),
		stop:      make(chan struct{}),
		log:       kerrs.NewLogger("kma"),
	}
	if mapper != nil {
		a.space = mapper.KernelSpace()
	}
	r := &record{base: base, size: size}
	a.head, a.tail = r, r
	a.free.insert(r)
	go a.rehasher()
	return a
}

// Close stops the background rehasher.
func (a *Arena) Close() { close(a.stop) }

// rehasher applies requested rehashes off the allocation hot path.
// Operations continue under the old table until the swap, which happens
// under the arena lock.
func (a *Arena) rehasher() {
	for {
		select {
		case <-a.stop:
			return
		case n := <-a.rehashReq:
			a.mu.Lock()
			if n > len(a.alloc.table) {
				a.alloc = a.alloc.rehashed(n)
			}
			a.mu.Unlock()
		}
	}
}

func (a *Arena) requestRehash() {
	n := len(a.alloc.table) * 2
	select {
	case a.rehashReq <- n:
	default: // one pending request is enough
	}
}

// RawAlloc reserves size bytes of kernel virtual range without backing or
// mapping them. Returns 0 on free-list miss (OutOfMemory) or for a zero
// size (InvalidArgument).
func (a *Arena) RawAlloc(size uint64, flags pfa.Flags) (uint64, kerrs.Status) {
	if size == 0 {
		return 0, kerrs.InvalidArgument
	}
	size = uint64(kutil.Roundup(int(size), archconst.PgSize))

	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.free.find(size)
	if r == nil {
		if flags&pfa.FlagBoot != 0 {
			kerrs.Fatal("kma", "kernel VM exhausted during boot (%#x bytes)", size)
		}
		return 0, kerrs.OutOfMemory
	}
	a.free.remove(r)

	if r.size > size {
		rem := &record{base: r.base + size, size: r.size - size}
		rem.prev = r
		rem.next = r.next
		if r.next != nil {
			r.next.prev = rem
		} else {
			a.tail = rem
		}
		r.next = rem
		r.size = size
		a.free.insert(rem)
	}

	r.allocated = true
	if a.alloc.insert(r) {
		a.requestRehash()
	}
	return r.base, kerrs.Success
}

// RawFree returns a raw range. The range must exactly match a prior
// RawAlloc; anything else is fatal per the boundary contract.
func (a *Arena) RawFree(virt, size uint64) {
	size = uint64(kutil.Roundup(int(size), archconst.PgSize))

	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.alloc.remove(virt)
	if r == nil {
		kerrs.Fatal("kma", "free of unallocated range %#x", virt)
	}
	if r.size != size {
		kerrs.Fatal("kma", "partial free of %#x: have %#x bytes, freeing %#x", virt, r.size, size)
	}
	r.allocated = false

	// coalesce with free neighbours on both sides
	if p := r.prev; p != nil && !p.allocated {
		a.free.remove(p)
		p.size += r.size
		p.next = r.next
		if r.next != nil {
			r.next.prev = p
		} else {
			a.tail = p
		}
		r = p
	}
	if n := r.next; n != nil && !n.allocated {
		a.free.remove(n)
		r.size += n.size
		r.next = n.next
		if n.next != nil {
			n.next.prev = r
		} else {
			a.tail = r
		}
	}
	a.free.insert(r)
}

// Alloc reserves size bytes and backs every page with an anonymous frame
// mapped read-write in the kernel space.
func (a *Arena) Alloc(size uint64, flags pfa.Flags) (uint64, kerrs.Status) {
	return a.AllocEtc(size, archconst.Prot{Read: true, Write: true}, flags)
}

// AllocEtc is Alloc with an explicit protection encoding. A failure partway
// through backing unmaps and frees everything installed so far before
// returning, leaving no half-backed range behind.
func (a *Arena) AllocEtc(size uint64, prot archconst.Prot, flags pfa.Flags) (uint64, kerrs.Status) {
	virt, st := a.RawAlloc(size, flags)
	if st != kerrs.Success {
		return 0, st
	}
	if a.pm == nil || a.mapper == nil {
		kerrs.Fatal("kma", "AllocEtc on a raw-only arena")
	}

	size = uint64(kutil.Roundup(int(size), archconst.PgSize))
	pages := int(size) / archconst.PgSize
	for i := 0; i < pages; i++ {
		f, st := a.pm.AllocSingle(flags | pfa.FlagZero)
		if st != kerrs.Success {
			a.unwind(virt, i)
			a.RawFree(virt, size)
			return 0, st
		}
		if st := a.mapper.Insert(a.space, virt+uint64(i*archconst.PgSize), f.Base(), prot, flags); st != kerrs.Success {
			a.pm.Free(f.Base(), 1)
			a.unwind(virt, i)
			a.RawFree(virt, size)
			return 0, st
		}
	}
	return virt, kerrs.Success
}

// unwind removes the first n page mappings of a failed AllocEtc and returns
// their frames.
func (a *Arena) unwind(virt uint64, n int) {
	for i := 0; i < n; i++ {
		if phys, ok := a.mapper.Remove(a.space, virt+uint64(i*archconst.PgSize)); ok {
			a.pm.Free(phys, 1)
		}
	}
}

// Free unmaps and frees a backed allocation made with Alloc/AllocEtc.
func (a *Arena) Free(virt, size uint64) {
	if a.pm == nil || a.mapper == nil {
		kerrs.Fatal("kma", "Free on a raw-only arena")
	}
	size = uint64(kutil.Roundup(int(size), archconst.PgSize))
	pages := int(size) / archconst.PgSize
	for i := 0; i < pages; i++ {
		phys, ok := a.mapper.Remove(a.space, virt+uint64(i*archconst.PgSize))
		if !ok {
			kerrs.Fatal("kma", "Free of unmapped page %#x", virt+uint64(i*archconst.PgSize))
		}
		a.pm.Free(phys, 1)
	}
	a.RawFree(virt, size)
}

// Map installs a specific contiguous physical range into fresh kernel
// virtual range. The arena does not own the frames; Unmap only tears down
// the mapping.
func (a *Arena) Map(physBase archconst.Pa, size uint64, prot archconst.Prot, flags pfa.Flags) (uint64, kerrs.Status) {
	if physBase&archconst.PgOffset != 0 {
		return 0, kerrs.InvalidArgument
	}
	virt, st := a.RawAlloc(size, flags)
	if st != kerrs.Success {
		return 0, st
	}
	size = uint64(kutil.Roundup(int(size), archconst.PgSize))
	pages := int(size) / archconst.PgSize
	for i := 0; i < pages; i++ {
		st := a.mapper.Insert(a.space, virt+uint64(i*archconst.PgSize), physBase+archconst.Pa(i*archconst.PgSize), prot, flags)
		if st != kerrs.Success {
			for j := 0; j < i; j++ {
				a.mapper.Remove(a.space, virt+uint64(j*archconst.PgSize))
			}
			a.RawFree(virt, size)
			return 0, st
		}
	}
	return virt, kerrs.Success
}

// Unmap tears down a Map'd range. shared=false is an optimization hint: the
// caller asserts only its own CPU ever touched the range, so the removal
// skips the cross-CPU TLB invalidation.
func (a *Arena) Unmap(virt, size uint64, shared bool) {
	size = uint64(kutil.Roundup(int(size), archconst.PgSize))
	pages := int(size) / archconst.PgSize
	for i := 0; i < pages; i++ {
		va := virt + uint64(i*archconst.PgSize)
		var ok bool
		if shared {
			_, ok = a.mapper.Remove(a.space, va)
		} else {
			_, ok = a.mapper.RemoveLocal(a.space, va)
		}
		if !ok {
			kerrs.Fatal("kma", "Unmap of unmapped page %#x", va)
		}
	}
	a.RawFree(virt, size)
}

// RangeInfo is one record of the arena's address-ordered list, exposed for
// invariant checks.
type RangeInfo struct {
	Base      uint64
	Size      uint64
	Allocated bool
}

// Ranges snapshots the address-ordered range list. The list always
// partitions [base, base+size) with no gaps or overlaps.
func (a *Arena) Ranges() []RangeInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []RangeInfo
	for r := a.head; r != nil; r = r.next {
		out = append(out, RangeInfo{Base: r.base, Size: r.size, Allocated: r.allocated})
	}
	return out
}
