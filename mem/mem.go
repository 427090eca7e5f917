// Package mem holds the shared physical-memory vocabulary that frame
// and vm build on: page-size constants, the physical address type, and
// the page-table entry flag bits. It has no behavior of its own.
package mem

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks the offset within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page-aligned part of an address.
const PGMASK Pa_t = ^PGOFFSET

/// Pa_t represents a physical address.
type Pa_t uint32

/// Frame_t is a physical frame index: Pa_t >> PGSHIFT.
type Frame_t uint32

// ToFrame converts a physical address to the frame index it falls in.
func (p Pa_t) ToFrame() Frame_t { return Frame_t(p >> PGSHIFT) }

// Addr converts a frame index back to its base physical address.
func (f Frame_t) Addr() Pa_t { return Pa_t(f) << PGSHIFT }

// Page_t is the raw content of one page, viewed as 1024 32-bit words (as
// a page table or page directory would).
type Page_t [1024]uint32

// PageTable_t is a page directory or page table: 1024 PDE/PTE entries.
type PageTable_t [1024]uint32

// PDE/PTE flag bits, per the fixed x86 layout: bit 0 present, bit 1
// writable, bit 2 user, bit 4 not-cached, bit 9 "borrowed" (a custom,
// otherwise-unused bit meaning the mapping does not own its frame).
const (
	PteP        uint32 = 1 << 0
	PteW        uint32 = 1 << 1
	PteU        uint32 = 1 << 2
	PtePCD      uint32 = 1 << 4
	PteBorrowed uint32 = 1 << 9
	PteAddr     uint32 = 0xFFFFF000
)
