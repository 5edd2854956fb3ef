package vmm

import (
	"sync/atomic"
	"unsafe"

	"github.com/arkendale/corekernel/archconst"
	"github.com/arkendale/corekernel/kerrs"
	"github.com/arkendale/corekernel/pfa"
)

// table is one page-table level's raw entry array, viewed directly over a
// frame's backing bytes.
type table [archconst.EntriesPerTable]archconst.Pa

func tableAt(a *pfa.Arena, base archconst.Pa) *table {
	b := a.Dmap8(base)
	return (*table)(unsafe.Pointer(&b[0]))
}

// pteLoad/pteStore use atomic word access so Find (a read-only, lock-free
// path) never observes a torn entry while Insert/Remove hold the space
// lock and mutate concurrently.
func pteLoad(e *archconst.Pa) archconst.Pa {
	return archconst.Pa(atomic.LoadUint64((*uint64)(unsafe.Pointer(e))))
}

func pteStore(e *archconst.Pa, v archconst.Pa) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(e)), uint64(v))
}

// walk modes. walkRead never mutates the tree; walkSplit splits large
// entries on the path but does not create absent tables (the remove side);
// walkCreate does both (the insert side).
const (
	walkRead = iota
	walkSplit
	walkCreate
)

// walk descends the 4-level page-table tree for va. It returns a pointer to
// the leaf-level entry for va's page; nil with ok=true means the path is
// absent (or blocked by a large entry in read mode), nil with ok=false
// means a table could not be allocated.
func walk(a *pfa.Arena, root archconst.Pa, va uint64, mode int, flags pfa.Flags) (*archconst.Pa, bool) {
	idx := pageTableIndices(va)
	cur := root
	for level := 0; level < archconst.Levels-1; level++ {
		t := tableAt(a, cur)
		e := &t[idx[level]]
		pte := pteLoad(e)
		if pte&archconst.PteP == 0 {
			if mode != walkCreate {
				return nil, true
			}
			f, st := a.AllocSingle(flags | pfa.FlagZero)
			if st != kerrs.Success {
				return nil, false
			}
			pte = f.Base() | archconst.PteP | archconst.PteW | archconst.PteU
			pteStore(e, pte)
		} else if pte&archconst.PtePS != 0 {
			// a large entry on the path of a writing walk is split into
			// a regular table first; read-only walks treat it as a leaf
			// they cannot descend
			if mode == walkRead {
				return nil, true
			}
			var ok bool
			pte, ok = largeToPtbl(a, e, pte, level, flags)
			if !ok {
				return nil, false
			}
		}
		cur = pte & archconst.PteAddr
	}
	t := tableAt(a, cur)
	return &t[idx[archconst.Levels-1]], true
}

// largeToPtbl replaces a large-page entry with a regular table whose 512
// entries cover the same physical region with the same permissions, and
// returns the new table-pointer entry.
func largeToPtbl(a *pfa.Arena, e *archconst.Pa, pte archconst.Pa, level int, flags pfa.Flags) (archconst.Pa, bool) {
	f, st := a.AllocSingle(flags | pfa.FlagZero)
	if st != kerrs.Success {
		return 0, false
	}
	// span of one entry at the level below this one
	step := archconst.Pa(1) << (archconst.PgShift + 9*uint(archconst.Levels-2-level))
	base := pte & archconst.PteAddr
	perms := pte &^ (archconst.PteAddr | archconst.PtePS)
	if level < archconst.Levels-2 {
		// splitting a 1GiB entry: the children are 2MiB large entries
		perms |= archconst.PtePS
	}
	nt := tableAt(a, f.Base())
	for i := 0; i < archconst.EntriesPerTable; i++ {
		pteStore(&nt[i], (base+archconst.Pa(i)*step)|perms)
	}
	newPte := f.Base() | archconst.PteP | archconst.PteW | archconst.PteU
	pteStore(e, newPte)
	return newPte, true
}

// mustWalk is the read-side walk: never allocates, never fails.
func mustWalk(a *pfa.Arena, root archconst.Pa, va uint64) *archconst.Pa {
	e, _ := walk(a, root, va, walkRead, 0)
	return e
}

// pageTableIndices splits a virtual address into its per-level table
// indices, 9 bits per level above the 12-bit page offset.
func pageTableIndices(va uint64) [archconst.Levels]uint64 {
	var idx [archconst.Levels]uint64
	shift := archconst.PgShift
	for level := archconst.Levels - 1; level >= 0; level-- {
		idx[level] = (va >> shift) & (archconst.EntriesPerTable - 1)
		shift += 9
	}
	return idx
}

// Insert installs a new mapping at virt -> phys with the given protection.
// It is fatal to insert into an already-present entry -- callers must
// Remove first. With non-waiting flags an intermediate-table allocation
// failure returns OutOfMemory; with FlagWait the walk blocks in the frame
// allocator instead.
func (m *Mapper) Insert(s *Space, virt uint64, phys archconst.Pa, prot archconst.Prot, flags pfa.Flags) kerrs.Status {
	if virt < s.vaLow || virt >= s.vaHigh {
		kerrs.Fatal("vmm", "insert at %#x outside address space bounds", virt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		kerrs.Fatal("vmm", "insert into destroyed address space")
	}

	e, ok := walk(m.arena, s.root.Base(), virt, walkCreate, flags)
	if !ok {
		return kerrs.OutOfMemory
	}
	if pteLoad(e)&archconst.PteP != 0 {
		kerrs.Fatal("vmm", "insert at %#x: entry already present", virt)
	}
	pte := (phys &^ archconst.PgOffset) | archconst.PteP | prot.Encode(m.caps)
	if m.caps.Global && !s.user {
		pte |= archconst.PteG
	}
	pteStore(e, pte)
	m.shoot(s, virt, 1)
	return kerrs.Success
}

// Remove unmaps virt, returning the physical address it pointed to and true,
// or (0, false) if nothing was mapped there.
func (m *Mapper) Remove(s *Space, virt uint64) (archconst.Pa, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		kerrs.Fatal("vmm", "remove from destroyed address space")
	}

	e, _ := walk(m.arena, s.root.Base(), virt, walkSplit, 0)
	if e == nil {
		return 0, false
	}
	pte := pteLoad(e)
	if pte&archconst.PteP == 0 {
		return 0, false
	}
	pteStore(e, 0)
	m.shoot(s, virt, 1)
	return pte & archconst.PteAddr, true
}

// RemoveLocal unmaps virt without broadcasting a TLB invalidation to other
// CPUs. It is the mapper half of KMA's unmap(shared=false) optimization
// hint: when the caller knows only its own CPU ever touched the range, the
// cross-CPU shootdown can be skipped entirely.
func (m *Mapper) RemoveLocal(s *Space, virt uint64) (archconst.Pa, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		kerrs.Fatal("vmm", "remove from destroyed address space")
	}

	e, _ := walk(m.arena, s.root.Base(), virt, walkSplit, 0)
	if e == nil {
		return 0, false
	}
	pte := pteLoad(e)
	if pte&archconst.PteP == 0 {
		return 0, false
	}
	pteStore(e, 0)
	return pte & archconst.PteAddr, true
}

// Find reports the physical address and protection currently mapped at
// virt, without taking the space lock -- concurrent readers ride the
// atomic entry loads.
func (m *Mapper) Find(s *Space, virt uint64) (phys archconst.Pa, prot archconst.Prot, ok bool) {
	e := mustWalk(m.arena, s.root.Base(), virt)
	if e == nil {
		return 0, archconst.Prot{}, false
	}
	pte := pteLoad(e)
	if pte&archconst.PteP == 0 {
		return 0, archconst.Prot{}, false
	}
	prot = archconst.Prot{
		Read:    true,
		Write:   pte&archconst.PteW != 0,
		Execute: pte&archconst.PteNX == 0,
	}
	return pte & archconst.PteAddr, prot, true
}

// shoot sends a TLB invalidation to every CPU whose last Switch loaded s,
// the caller's own CPU included, and sends nothing when no CPU has s
// loaded.
func (m *Mapper) shoot(s *Space, vaddr uint64, count int) {
	if m.shootdown == nil || m.topology == nil {
		return
	}
	var targets []int
	for i := 0; i < m.topology.NumCPUs(); i++ {
		rec := m.topology.Get(i)
		rec.Lock()
		loaded, _ := rec.LastSwitchSpace.(*Space)
		rec.Unlock()
		if loaded == s {
			targets = append(targets, i)
		}
	}
	if len(targets) == 0 {
		return
	}
	m.shootdown(targets, vaddr, count)
}

// PhysMap returns a byte-slice view of size bytes of physical memory
// starting at base, through the arena's direct map. The view ends at the
// end of base's page; a size that runs past it is fatal. The direct map is
// always present (there is no separate virtual range to tear down), so
// PhysUnmap is bookkeeping only.
func (m *Mapper) PhysMap(base archconst.Pa, size int) []byte {
	b := m.arena.Dmap8(base)
	if size > len(b) {
		kerrs.Fatal("vmm", "PhysMap(%#x, %d) exceeds direct-map window", base, size)
	}
	return b[:size]
}

// PhysUnmap is the PhysMap's matching release call. It performs no actual
// unmapping (see PhysMap's doc comment) but keeps callers on the map/unmap
// discipline, ready to gain real teardown logic should the direct map ever
// become a bounded resource.
func (m *Mapper) PhysUnmap(b []byte) {}
