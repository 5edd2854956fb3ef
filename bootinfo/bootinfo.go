// Package bootinfo is the abstract boot record: the one thing the core
// consumes from the (out-of-scope) boot-loader hand-off. Physical ranges
// arrive typed; reclaimable ones are held back until late init.
package bootinfo

import "github.com/arkendale/corekernel/archconst"

// RangeType classifies one physical range as the boot loader reported it.
type RangeType int

const (
	// RangeFree is immediately available to the PFA.
	RangeFree RangeType = iota
	// RangeAllocated is already in use (e.g. the kernel image itself).
	RangeAllocated
	// RangeReclaimable is pre-allocated into the PFA at init so user code
	// cannot claim it, then bulk-released after late init.
	RangeReclaimable
	// RangeReserved is never given to the PFA (MMIO, ACPI tables, ...).
	RangeReserved
	// RangeInternal is used by the boot loader itself and never reused.
	RangeInternal
)

func (t RangeType) String() string {
	switch t {
	case RangeFree:
		return "free"
	case RangeAllocated:
		return "allocated"
	case RangeReclaimable:
		return "reclaimable"
	case RangeReserved:
		return "reserved"
	case RangeInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// PhysRange is a half-open physical interval [Base, Base+Length) with a
// type tag.
type PhysRange struct {
	Base   archconst.Pa
	Length uint64
	Type   RangeType
}

// End returns the exclusive end address of the range.
func (r PhysRange) End() archconst.Pa {
	return r.Base + archconst.Pa(r.Length)
}

// CPUDescriptor names one logical processor the boot loader discovered.
type CPUDescriptor struct {
	ID         int
	APICID     uint32
	BootCPU    bool
	NXSupport  bool
	GlobalPage bool
}

// Module is one boot-loaded module (ramdisk, init program, ...); the core
// only needs its extent, not its contents.
type Module struct {
	Name   string
	Base   archconst.Pa
	Length uint64
}

// Framebuffer describes an optional pre-initialized linear framebuffer.
type Framebuffer struct {
	Present       bool
	PhysBase      archconst.Pa
	Width, Height int
	Pitch         int
	BPP           int
}

// Record is the complete boot-info record the core consumes at startup.
type Record struct {
	PhysRanges   []PhysRange
	CPUs         []CPUDescriptor
	Modules      []Module
	Framebuffer  Framebuffer
	BootFSUUID   string
	FeatureFlags map[string]bool
}

// VisitFree calls f for every Free range, in the order reported. If f
// returns false, iteration stops early.
func (r *Record) VisitFree(f func(PhysRange) bool) {
	for _, rng := range r.PhysRanges {
		if rng.Type != RangeFree {
			continue
		}
		if !f(rng) {
			return
		}
	}
}

// VisitReclaimable calls f for every Reclaimable range.
func (r *Record) VisitReclaimable(f func(PhysRange) bool) {
	for _, rng := range r.PhysRanges {
		if rng.Type != RangeReclaimable {
			continue
		}
		if !f(rng) {
			return
		}
	}
}

// TotalFree sums the length of all Free ranges, for the boot log line
// ("available memory: NNN KB").
func (r *Record) TotalFree() uint64 {
	var total uint64
	r.VisitFree(func(rng PhysRange) bool {
		total += rng.Length
		return true
	})
	return total
}

// NumCPUs returns the number of CPU descriptors in the record.
func (r *Record) NumCPUs() int {
	return len(r.CPUs)
}
