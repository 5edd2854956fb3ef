package pfa

import (
	"testing"

	"github.com/arkendale/corekernel/archconst"
	"github.com/arkendale/corekernel/bootinfo"
	"github.com/arkendale/corekernel/kerrs"
)

func testArena(t *testing.T, pages int) *Arena {
	t.Helper()
	rec := &bootinfo.Record{
		PhysRanges: []bootinfo.PhysRange{
			{Base: 0, Length: uint64(pages * archconst.PgSize), Type: bootinfo.RangeFree},
		},
	}
	a, err := New(rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := testArena(t, 64)

	frames, st := a.Alloc(4, 0, 0, 0, 0)
	if st != kerrs.Success {
		t.Fatalf("Alloc: %v", st)
	}
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4", len(frames))
	}
	for _, f := range frames {
		if f.RefCount() != 1 {
			t.Fatalf("fresh frame refcount = %d, want 1", f.RefCount())
		}
	}

	base := frames[0].Base()
	if st := a.Free(base, 4); st != kerrs.Success {
		t.Fatalf("Free: %v", st)
	}
	for _, f := range frames {
		if f.RefCount() != 0 {
			t.Fatalf("freed frame refcount = %d, want 0", f.RefCount())
		}
	}

	stats := a.Stats()
	if stats.FreeFrames != 64 {
		t.Fatalf("FreeFrames = %d, want 64 after round trip", stats.FreeFrames)
	}
	if stats.FreeRuns != 1 {
		t.Fatalf("FreeRuns = %d, want 1 (fully coalesced)", stats.FreeRuns)
	}
}

func TestAllocZeroCountInvalid(t *testing.T) {
	a := testArena(t, 8)
	if _, st := a.Alloc(0, 0, 0, 0, 0); st != kerrs.InvalidArgument {
		t.Fatalf("Alloc(0): got %v, want InvalidArgument", st)
	}
}

func TestAllocAtomicExhaustion(t *testing.T) {
	a := testArena(t, 4)
	if _, st := a.Alloc(4, 0, 0, 0, 0); st != kerrs.Success {
		t.Fatalf("first alloc: %v", st)
	}
	if _, st := a.Alloc(1, 0, 0, 0, FlagAtomic); st != kerrs.OutOfMemory {
		t.Fatalf("second alloc under FlagAtomic: got %v, want OutOfMemory", st)
	}
}

func TestAllocWaitAndAtomicMutuallyExclusive(t *testing.T) {
	a := testArena(t, 4)
	if _, st := a.Alloc(1, 0, 0, 0, FlagWait|FlagAtomic); st != kerrs.InvalidArgument {
		t.Fatalf("got %v, want InvalidArgument", st)
	}
}

func TestCoalesceOnFree(t *testing.T) {
	a := testArena(t, 16)
	f1, _ := a.Alloc(4, 0, 0, 0, 0)
	f2, _ := a.Alloc(4, 0, 0, 0, 0)
	f3, _ := a.Alloc(4, 0, 0, 0, 0)

	// Free the middle run first, then the outer two: all three should
	// merge with the 4 still-free tail frames into a single 16-frame run.
	a.Free(f2[0].Base(), 4)
	a.Free(f1[0].Base(), 4)
	a.Free(f3[0].Base(), 4)

	stats := a.Stats()
	if stats.FreeFrames != 16 {
		t.Fatalf("FreeFrames = %d, want 16", stats.FreeFrames)
	}
	if stats.FreeRuns != 1 {
		t.Fatalf("FreeRuns = %d, want 1 after full coalesce", stats.FreeRuns)
	}
}

func TestZeroFlagZeroesContent(t *testing.T) {
	a := testArena(t, 4)
	frames, st := a.Alloc(1, 0, 0, 0, 0)
	if st != kerrs.Success {
		t.Fatalf("Alloc: %v", st)
	}
	b := a.Dmap8(frames[0].Base())
	for i := range b[:archconst.PgSize] {
		b[i] = 0xff
	}
	a.Free(frames[0].Base(), 1)

	frames2, st := a.Alloc(1, 0, 0, 0, FlagZero)
	if st != kerrs.Success {
		t.Fatalf("Alloc: %v", st)
	}
	b2 := a.Dmap8(frames2[0].Base())
	for i, v := range b2[:archconst.PgSize] {
		if v != 0 {
			t.Fatalf("byte %d = %#x, want 0 after FlagZero alloc", i, v)
		}
	}
}

func TestReclaimableHeldUntilReleased(t *testing.T) {
	rec := &bootinfo.Record{
		PhysRanges: []bootinfo.PhysRange{
			{Base: 0, Length: uint64(4 * archconst.PgSize), Type: bootinfo.RangeFree},
			{Base: archconst.Pa(4 * archconst.PgSize), Length: uint64(4 * archconst.PgSize), Type: bootinfo.RangeReclaimable},
		},
	}
	a, err := New(rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if stats := a.Stats(); stats.FreeFrames != 4 {
		t.Fatalf("FreeFrames = %d, want 4 before release", stats.FreeFrames)
	}
	a.ReleaseReclaimed(rec)
	if stats := a.Stats(); stats.FreeFrames != 8 {
		t.Fatalf("FreeFrames = %d, want 8 after release", stats.FreeFrames)
	}
}
