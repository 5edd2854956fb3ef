package kma

import (
	"testing"

	"github.com/arkendale/corekernel/archconst"
	"github.com/arkendale/corekernel/bootinfo"
	"github.com/arkendale/corekernel/cpu"
	"github.com/arkendale/corekernel/kerrs"
	"github.com/arkendale/corekernel/pfa"
	"github.com/arkendale/corekernel/vmm"
)

const pg = uint64(archconst.PgSize)

const testBase = uint64(0xffff_8800_0000_0000)

// rawArena is a range-logic-only arena: no frame backing, no mapper.
func rawArena(t *testing.T, pages int) *Arena {
	t.Helper()
	a := New(testBase, uint64(pages)*pg, nil, nil)
	t.Cleanup(a.Close)
	return a
}

// backedArena carries a real frame pool and mapper for Alloc/Free/Map.
func backedArena(t *testing.T, pages int) *Arena {
	t.Helper()
	rec := &bootinfo.Record{
		PhysRanges: []bootinfo.PhysRange{
			{Base: 0, Length: uint64(512 * archconst.PgSize), Type: bootinfo.RangeFree},
		},
	}
	pm, err := pfa.New(rec)
	if err != nil {
		t.Fatalf("pfa.New: %v", err)
	}
	cpu.Init(1, []uint32{0}, 0)
	mapper := vmm.NewMapper(pm, archconst.Caps{}, nil, cpu.Global)
	a := New(testBase, uint64(pages)*pg, pm, mapper)
	t.Cleanup(func() {
		a.Close()
		pm.Close()
	})
	return a
}

func TestRawAllocFreeRoundTrip(t *testing.T) {
	a := rawArena(t, 64)

	v, st := a.RawAlloc(3*pg, 0)
	if st != kerrs.Success {
		t.Fatalf("RawAlloc: %v", st)
	}
	if v != testBase {
		t.Fatalf("first allocation at %#x, want arena base", v)
	}
	a.RawFree(v, 3*pg)

	rs := a.Ranges()
	if len(rs) != 1 || rs[0].Allocated || rs[0].Size != 64*pg {
		t.Fatalf("range list after round trip: %+v, want one free record spanning the window", rs)
	}
}

func TestRawAllocZeroSize(t *testing.T) {
	a := rawArena(t, 8)
	if _, st := a.RawAlloc(0, 0); st != kerrs.InvalidArgument {
		t.Fatalf("RawAlloc(0) = %v, want InvalidArgument", st)
	}
}

func TestRawAllocExhaustion(t *testing.T) {
	a := rawArena(t, 8)
	if _, st := a.RawAlloc(8*pg, 0); st != kerrs.Success {
		t.Fatalf("full-window alloc failed")
	}
	if _, st := a.RawAlloc(pg, 0); st != kerrs.OutOfMemory {
		t.Fatalf("alloc from empty arena = %v, want OutOfMemory", st)
	}
}

func TestRangeListPartitionsWindow(t *testing.T) {
	a := rawArena(t, 64)
	v1, _ := a.RawAlloc(3*pg, 0)
	v2, _ := a.RawAlloc(5*pg, 0)
	a.RawFree(v1, 3*pg)
	v3, _ := a.RawAlloc(pg, 0)
	_, _ = v2, v3

	rs := a.Ranges()
	expect := testBase
	for _, r := range rs {
		if r.Base != expect {
			t.Fatalf("gap or overlap at %#x (expected %#x)", r.Base, expect)
		}
		expect = r.Base + r.Size
	}
	if expect != testBase+64*pg {
		t.Fatalf("range list ends at %#x, want window end", expect)
	}
}

func TestFreeCoalescesBothSides(t *testing.T) {
	a := rawArena(t, 32)
	v1, _ := a.RawAlloc(4*pg, 0)
	v2, _ := a.RawAlloc(4*pg, 0)
	v3, _ := a.RawAlloc(4*pg, 0)

	a.RawFree(v1, 4*pg)
	a.RawFree(v3, 4*pg)
	a.RawFree(v2, 4*pg) // middle free merges with both neighbours

	rs := a.Ranges()
	if len(rs) != 1 || rs[0].Allocated {
		t.Fatalf("ranges = %+v, want one coalesced free record", rs)
	}
}

func TestPartialFreePanics(t *testing.T) {
	a := rawArena(t, 16)
	v, _ := a.RawAlloc(4*pg, 0)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on size-mismatched free")
		}
	}()
	a.RawFree(v, 2*pg)
}

func TestFreeUnknownBasePanics(t *testing.T) {
	a := rawArena(t, 16)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic freeing an unallocated range")
		}
	}()
	a.RawFree(testBase+pg, pg)
}

// Freed ranges are reused: alloc A(3p) and B(1p), free A, then a 2-page
// allocation carves the front of A's old range, leaving B untouched and a
// free remainder between the new allocation and B.
func TestFreedRangeReuse(t *testing.T) {
	a := rawArena(t, 64)
	vA, _ := a.RawAlloc(3*pg, 0)
	vB, _ := a.RawAlloc(pg, 0)
	a.RawFree(vA, 3*pg)

	vC, st := a.RawAlloc(2*pg, 0)
	if st != kerrs.Success {
		t.Fatalf("RawAlloc(2p): %v", st)
	}
	if vC != vA {
		t.Fatalf("2-page alloc at %#x, want reuse of freed range %#x", vC, vA)
	}

	rs := a.Ranges()
	want := []RangeInfo{
		{Base: vC, Size: 2 * pg, Allocated: true},
		{Base: vC + 2*pg, Size: pg, Allocated: false},
		{Base: vB, Size: pg, Allocated: true},
		{Base: vB + pg, Size: 60 * pg, Allocated: false},
	}
	if len(rs) != len(want) {
		t.Fatalf("got %d records %+v, want %d", len(rs), rs, len(want))
	}
	for i := range want {
		if rs[i] != want[i] {
			t.Fatalf("record %d = %+v, want %+v", i, rs[i], want[i])
		}
	}
}

func TestAllocBacksPagesWithFrames(t *testing.T) {
	a := backedArena(t, 64)
	before := a.pm.Stats().FreeFrames

	v, st := a.Alloc(2*pg, 0)
	if st != kerrs.Success {
		t.Fatalf("Alloc: %v", st)
	}
	// two data frames plus whatever page tables the walk built
	if used := before - a.pm.Stats().FreeFrames; used < 2 {
		t.Fatalf("only %d frames consumed, want >= 2", used)
	}
	phys, _, ok := a.mapper.Find(a.space, v)
	if !ok {
		t.Fatalf("allocated page not mapped")
	}
	if phys&archconst.PgOffset != 0 {
		t.Fatalf("mapped frame misaligned: %#x", phys)
	}

	a.Free(v, 2*pg)
	if _, _, ok := a.mapper.Find(a.space, v); ok {
		t.Fatalf("page still mapped after Free")
	}
}

func TestAllocEtcUnwindsOnExhaustion(t *testing.T) {
	a := backedArena(t, 64)

	// drain the frame pool to almost nothing so backing fails partway
	st := a.pm.Stats()
	hold, st2 := a.pm.Alloc(int(st.FreeFrames)-3, 0, 0, 0, 0)
	if st2 != kerrs.Success {
		t.Fatalf("drain: %v", st2)
	}

	freeBefore := a.pm.Stats().FreeFrames
	if _, st := a.Alloc(16*pg, pfa.FlagAtomic); st != kerrs.OutOfMemory {
		t.Fatalf("Alloc under exhaustion = %v, want OutOfMemory", st)
	}
	// every data frame came back; only intermediate page tables built
	// before the failure (at most one per level above the leaf) stay in
	// the tree
	if got := a.pm.Stats().FreeFrames; got+archconst.Levels-1 < freeBefore {
		t.Fatalf("data frames leaked by failed alloc: %d -> %d", freeBefore, got)
	}
	rs := a.Ranges()
	if len(rs) != 1 || rs[0].Allocated {
		t.Fatalf("virtual range leaked by failed alloc: %+v", rs)
	}
	_ = hold
}

func TestMapDoesNotOwnFrames(t *testing.T) {
	a := backedArena(t, 64)
	frames, st := a.pm.Alloc(2, 0, 0, 0, 0)
	if st != kerrs.Success {
		t.Fatalf("pfa.Alloc: %v", st)
	}

	v, st := a.Map(frames[0].Base(), 2*pg, archconst.Prot{Read: true, Write: true}, 0)
	if st != kerrs.Success {
		t.Fatalf("Map: %v", st)
	}
	phys, _, ok := a.mapper.Find(a.space, v+pg)
	if !ok || phys != frames[1].Base() {
		t.Fatalf("second page maps %#x, want %#x", phys, frames[1].Base())
	}

	a.Unmap(v, 2*pg, false)
	if frames[0].RefCount() != 1 {
		t.Fatalf("Unmap released a frame it does not own")
	}
}

func TestAllocatedTableChurn(t *testing.T) {
	a := rawArena(t, 2048)

	// hammer the allocated hash table so chain growth (and any rehash it
	// requests) happens under live traffic
	var vs []uint64
	for i := 0; i < 512; i++ {
		v, st := a.RawAlloc(pg, 0)
		if st != kerrs.Success {
			t.Fatalf("RawAlloc %d: %v", i, st)
		}
		vs = append(vs, v)
	}
	for _, v := range vs {
		a.RawFree(v, pg)
	}
	rs := a.Ranges()
	if len(rs) != 1 || rs[0].Allocated {
		t.Fatalf("arena not fully coalesced after churn: %d records", len(rs))
	}
}
