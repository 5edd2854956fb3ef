// Package vmm is the address-space mapper: it installs and removes
// virtual->physical mappings in a 4-level page-table tree with
// per-address-space locking, and publishes mutations to other CPUs with
// TLB invalidations.
package vmm

import (
	"sync"

	"github.com/arkendale/corekernel/archconst"
	"github.com/arkendale/corekernel/cpu"
	"github.com/arkendale/corekernel/kerrs"
	"github.com/arkendale/corekernel/pfa"
)

// ShootdownFunc broadcasts a TLB invalidation for vaddr (count contiguous
// pages) to every CPU in targetCPUs. The mapper never imports the ipi
// package directly -- callers register a sender at NewMapper time.
type ShootdownFunc func(targetCPUs []int, vaddr uint64, count int)

// kernelSplit is the top-level table index at which the kernel half of the
// address space begins; every user Space aliases the shared kernel subtree
// at and above this index, so kernel addresses are identical in every
// space.
const kernelSplit = archconst.EntriesPerTable / 2

// userMaxRootPhys bounds where a user space's top-level table may be
// allocated (<= 4GiB) so legacy MMU-visible base-address fields fit.
const userMaxRootPhys = archconst.Pa(4) << 30

// Space is one address space: a root page-table frame, a lock, a
// user/kernel flag and the virtual bounds [vaLow, vaHigh) within which
// mappings may be installed.
type Space struct {
	mu sync.Mutex

	arena *pfa.Arena
	caps  archconst.Caps

	root   *pfa.Frame
	user   bool
	vaLow  uint64
	vaHigh uint64

	destroyed bool
}

// Mapper owns the shared kernel subtree and capability discovery; it is
// the process-wide factory for Space values.
type Mapper struct {
	arena     *pfa.Arena
	caps      archconst.Caps
	kernel    *Space
	shootdown ShootdownFunc
	topology  *cpu.Topology
}

// NewMapper creates a Mapper over the given frame arena and discovers
// capabilities (NX, global pages). shootdown broadcasts TLB invalidations;
// topology resolves which CPUs currently have a given space loaded.
func NewMapper(arena *pfa.Arena, caps archconst.Caps, shootdown ShootdownFunc, topology *cpu.Topology) *Mapper {
	m := &Mapper{arena: arena, caps: caps, shootdown: shootdown, topology: topology}
	m.kernel = &Space{arena: arena, caps: caps, user: false, vaLow: 0, vaHigh: ^uint64(0)}
	root, st := arena.AllocSingle(pfa.FlagZero)
	if st != kerrs.Success {
		kerrs.Fatal("vmm", "cannot allocate the shared kernel root table: %v", st)
	}
	m.kernel.root = root
	return m
}

// KernelSpace returns the single shared kernel address space every user
// space's kernel half aliases.
func (m *Mapper) KernelSpace() *Space { return m.kernel }

// Init allocates and initializes a new address space. User spaces get
// their root table from a <=4GiB-constrained PFA window; kernel-only
// callers should use KernelSpace() instead of calling Init(user=true).
func (m *Mapper) Init(user bool, vaLow, vaHigh uint64) *Space {
	s := &Space{arena: m.arena, caps: m.caps, user: user, vaLow: vaLow, vaHigh: vaHigh}

	var frames []*pfa.Frame
	var st kerrs.Status
	if user {
		frames, st = m.arena.Alloc(1, 0, 0, userMaxRootPhys, pfa.FlagZero)
	} else {
		frames, st = m.arena.Alloc(1, 0, 0, 0, pfa.FlagZero)
	}
	if st != kerrs.Success {
		kerrs.Fatal("vmm", "cannot allocate root table for new address space: %v", st)
	}
	s.root = frames[0]

	if user {
		// Alias the shared kernel subtree: copy the kernel half's
		// top-level entries so every user space sees identical kernel
		// addresses.
		kt := tableAt(m.arena, m.kernel.root.Base())
		ut := tableAt(m.arena, s.root.Base())
		for i := kernelSplit; i < archconst.EntriesPerTable; i++ {
			ut[i] = pteLoad(&kt[i])
		}
	}
	return s
}

// Destroy tears down a user address space: every intermediate page-table
// frame reachable from the user half is walked and freed, then the root
// itself, so no page-table frame is ever leaked.
func (m *Mapper) Destroy(s *Space) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		kerrs.Fatal("vmm", "double Destroy of address space")
	}
	if s.user {
		t := tableAt(m.arena, s.root.Base())
		for i := 0; i < kernelSplit; i++ {
			pte := pteLoad(&t[i])
			if pte&archconst.PteP != 0 {
				freeSubtree(m.arena, pte&archconst.PteAddr, archconst.Levels-1)
			}
		}
	}
	m.arena.Free(s.root.Base(), 1)
	s.destroyed = true
}

// freeSubtree recursively frees every page-table frame below phys at the
// given remaining depth (depth 0 means phys is itself a leaf PTE's target,
// not a table, and is not touched -- callers only recurse into table
// levels).
func freeSubtree(a *pfa.Arena, phys archconst.Pa, depth int) {
	if depth == 0 {
		return
	}
	t := tableAt(a, phys)
	for i := 0; i < archconst.EntriesPerTable; i++ {
		pte := pteLoad(&t[i])
		if pte&archconst.PteP == 0 {
			continue
		}
		if depth > 1 {
			freeSubtree(a, pte&archconst.PteAddr, depth-1)
		}
	}
	a.Free(phys, 1)
}

// Switch records that the given CPU now has s loaded, refcounting the root
// table frame (one ref for the owning process, one per CPU with it
// loaded); the previous space's root is refdown'd, freeing it if this was
// the last reference and its owner already called Destroy.
func (m *Mapper) Switch(cpuID int, s *Space) {
	rec := m.topology.Get(cpuID)
	if rec == nil {
		kerrs.Fatal("vmm", "switch on unknown cpu %d", cpuID)
	}
	rec.Lock()
	prev := rec.LastSwitchSpace
	rec.LastSwitchSpace = s
	rec.Unlock()

	if prevSpace, ok := prev.(*Space); ok && prevSpace == s {
		return // this CPU already holds its reference on s
	}
	s.root.RefUp()
	if prevSpace, ok := prev.(*Space); ok && prevSpace != nil {
		// drop this CPU's reference; the frame allocator reclaims the
		// root once Destroy and every CPU reference have released it
		m.arena.Free(prevSpace.root.Base(), 1)
	}
}
