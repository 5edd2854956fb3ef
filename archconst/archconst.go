// Package archconst holds the single 64-bit MMU model's fixed-width types
// and page-table-entry bit layout. The kernel targets exactly one MMU
// model, so this is one flat set of constants, not a pluggable arch
// interface.
package archconst

// PgShift is the base-2 exponent of the page size.
const PgShift uint = 12

// PgSize is the size in bytes of one page.
const PgSize int = 1 << PgShift

// Pa is a physical address.
type Pa uint64

// PgOffset masks the in-page offset bits of an address.
const PgOffset Pa = Pa(PgSize - 1)

// PgMask masks the page-number bits of an address.
const PgMask Pa = ^PgOffset

// Page-table entry bits. Layout mirrors mem.go's PTE_* constants.
const (
	PteP   Pa = 1 << 0 // present
	PteW   Pa = 1 << 1 // writable
	PteU   Pa = 1 << 2 // user-accessible
	PtePWT Pa = 1 << 3 // write-through
	PtePCD Pa = 1 << 4 // cache-disable
	PteA   Pa = 1 << 5 // accessed
	PteD   Pa = 1 << 6 // dirty
	PtePS  Pa = 1 << 7 // large page
	PteG   Pa = 1 << 8 // global

	// PteCOW and PteWasCOW are software-defined bits (taken from unused
	// hardware bit positions) used by the fault handler to track
	// copy-on-write state, mirroring vm/as.go's PTE_COW/PTE_WASCOW.
	PteCOW    Pa = 1 << 9
	PteWasCOW Pa = 1 << 10

	// PteNX marks the page non-executable. Optional: only honoured when
	// Caps.NX is true; NX is an optional capability.
	PteNX Pa = 1 << 63

	// PteAddr extracts the frame-base-address bits of a PTE.
	PteAddr = Pa(PgMask) &^ (PteNX)
)

// EntriesPerTable is the fixed fan-out of one page-table level (512 64-bit
// entries per 4KiB table page, matching mem.Pmap_t's [512]Pa_t).
const EntriesPerTable = 512

// Levels is the depth of the page-table tree (PML4 -> PDPT -> PD -> PT).
const Levels = 4

// Caps records capabilities the mapper discovers at Init time. NX and
// global pages are optional.
type Caps struct {
	NX     bool
	Global bool
}

// Prot is the generic {read,write,execute} protection set the ASM/VMM
// contract accepts; it is translated into the PTE bit encoding internally.
type Prot struct {
	Read    bool
	Write   bool
	Execute bool
}

// Encode translates Prot into the writable/user/no-execute PTE bits the
// mapper installs. No-execute is applied only when the CPU advertises the
// capability.
func (p Prot) Encode(caps Caps) Pa {
	var pte Pa = PteU
	if p.Write {
		pte |= PteW
	}
	if !p.Execute && caps.NX {
		pte |= PteNX
	}
	return pte
}
