// Package vm implements the virtual memory manager: address spaces,
// page mapping, the shared kernel mapping, and the lazy kernel-heap
// page-fault path.
//
// Real 32-bit paging lets any virtual address in the active address
// space be reached by a plain load through the recursive page-table
// window. Nothing in this tree runs under a real MMU, so the recursive
// window is simulated: each AddressSpace keeps its mappings in a map
// keyed by virtual page number rather than in actual page-table memory,
// and a package-level simulated physical memory backs the frames that
// the frame allocator hands out. This keeps the map/unmap/translate
// API and its invariants faithful to the hardware design (see
// DESIGN.md) without requiring unsafe pointer arithmetic anywhere.
package vm

import (
	"sync"

	"github.com/cjsmeele/RikaiOS-sub000/arch"
	"github.com/cjsmeele/RikaiOS-sub000/defs"
	"github.com/cjsmeele/RikaiOS-sub000/frame"
	"github.com/cjsmeele/RikaiOS-sub000/mem"
)

// Virtual memory layout, per the fixed external interface.
const (
	ReservedEnd      uint32 = 0x00100000
	KernelHeapStart  uint32 = 0x00400000 // kernel image is small in this simulation
	KernelHeapEnd    uint32 = 0x3FB00000
	KStackWindowEnd  uint32 = 0x3FC00000
	RecursiveWinEnd  uint32 = 0x40000000
	UserStart        uint32 = 0x40000000
	UserEnd          uint32 = 0xFFFFF000
)

// KernelHeapSentinel is written into every freshly lazily-mapped
// kernel-heap page.
const KernelHeapSentinel uint32 = 0xDEADDEAD

func vpn(va uint32) uint32 { return va >> mem.PGSHIFT }

type mapping struct {
	frame mem.Frame_t
	flags uint32
}

// kernelMappings is shared by every AddressSpace: all directories share
// the same lower (sub-UserStart) region, so kernel memory is identical
// regardless of which address space is active.
var kernelMu sync.Mutex
var kernelMappings = map[uint32]mapping{}

// physStore simulates physical memory content, keyed by frame index. A
// frame with no entry reads as all-zero.
var physMu sync.Mutex
var physStore = map[mem.Frame_t]*mem.Page_t{}

func physPage(f mem.Frame_t) *mem.Page_t {
	physMu.Lock()
	defer physMu.Unlock()
	p, ok := physStore[f]
	if !ok {
		p = &mem.Page_t{}
		physStore[f] = p
	}
	return p
}

// ReadPhys reads the 32-bit word at byte offset off within frame f.
func ReadPhys(f mem.Frame_t, off uint32) uint32 {
	return physPage(f)[off/4]
}

// WritePhys writes the 32-bit word at byte offset off within frame f.
func WritePhys(f mem.Frame_t, off uint32, v uint32) {
	physPage(f)[off/4] = v
}

// FreePhys drops the simulated backing content for a frame, called when
// a frame is returned to the allocator so stale content cannot leak
// into a future allocation.
func FreePhys(f mem.Frame_t) {
	physMu.Lock()
	defer physMu.Unlock()
	delete(physStore, f)
}

// AddressSpace is a process's (or the kernel's, for bootstrap) virtual
// memory context.
type AddressSpace struct {
	mu       sync.Mutex
	userMaps map[uint32]mapping
	dir      mem.Pa_t // opaque directory "address" used to distinguish spaces
}

var nextDirAddr mem.Pa_t = 0x1000

// NewAddressSpace creates a fresh address space. The shared kernel
// mapping is visible immediately; no copying is needed since it lives
// in a single global map.
func NewAddressSpace() *AddressSpace {
	as := &AddressSpace{
		userMaps: map[uint32]mapping{},
		dir:      nextDirAddr,
	}
	nextDirAddr += mem.Pa_t(mem.PGSIZE)
	return as
}

// Dir returns the opaque page-directory address used by
// SwitchAddressSpace and arch.LoadPageDirectory.
func (as *AddressSpace) Dir() mem.Pa_t { return as.dir }

// Delete walks the user mappings, frees the non-borrowed physical
// frames backing them, and discards the address space.
func (as *AddressSpace) Delete() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for v, m := range as.userMaps {
		if m.flags&mem.PteBorrowed == 0 {
			frame.FreeOne(m.frame)
			FreePhys(m.frame)
		}
		delete(as.userMaps, v)
	}
}

// isKernel reports whether a virtual address lies in the shared
// (sub-UserStart) region.
func isKernel(va uint32) bool { return va < UserStart }

// Map establishes a mapping for the n bytes starting at virt. If phy is
// 0, a fresh physical frame is allocated per page; otherwise phy names
// the physical base to map (used for borrowed/MMIO-style mappings,
// which must also set mem.PteBorrowed in flags so Unmap/Delete will not
// free the frame).
func (as *AddressSpace) Map(virt, phy uint32, size int, flags uint32) defs.Err_t {
	pages := (size + mem.PGSIZE - 1) / mem.PGSIZE
	for i := 0; i < pages; i++ {
		v := virt + uint32(i*mem.PGSIZE)
		var f mem.Frame_t
		if phy == 0 {
			f = frame.AllocateOne()
			if f == 0 {
				return defs.Nomem
			}
		} else {
			f = mem.Pa_t(phy + uint32(i*mem.PGSIZE)).ToFrame()
		}
		m := mapping{frame: f, flags: flags | mem.PteP}
		if isKernel(v) {
			kernelMu.Lock()
			kernelMappings[vpn(v)] = m
			kernelMu.Unlock()
		} else {
			as.mu.Lock()
			as.userMaps[vpn(v)] = m
			as.mu.Unlock()
		}
	}
	return defs.Success
}

// Unmap clears the mappings for the n bytes starting at virt and
// invalidates the TLB for each page. Frames backing non-borrowed
// mappings are freed.
func (as *AddressSpace) Unmap(virt uint32, size int) {
	pages := (size + mem.PGSIZE - 1) / mem.PGSIZE
	for i := 0; i < pages; i++ {
		v := virt + uint32(i*mem.PGSIZE)
		var m mapping
		var ok bool
		if isKernel(v) {
			kernelMu.Lock()
			m, ok = kernelMappings[vpn(v)]
			if ok {
				delete(kernelMappings, vpn(v))
			}
			kernelMu.Unlock()
		} else {
			as.mu.Lock()
			m, ok = as.userMaps[vpn(v)]
			if ok {
				delete(as.userMaps, vpn(v))
			}
			as.mu.Unlock()
		}
		if ok && m.flags&mem.PteBorrowed == 0 {
			frame.FreeOne(m.frame)
			FreePhys(m.frame)
		}
		arch.InvalidatePage(v)
	}
}

// Translate walks the (simulated) page tables for va in this address
// space, returning the backing frame and whether it is present.
func (as *AddressSpace) Translate(va uint32) (mem.Frame_t, bool) {
	if isKernel(va) {
		kernelMu.Lock()
		m, ok := kernelMappings[vpn(va)]
		kernelMu.Unlock()
		return m.frame, ok
	}
	as.mu.Lock()
	m, ok := as.userMaps[vpn(va)]
	as.mu.Unlock()
	return m.frame, ok
}

// Load32 reads the 32-bit word at virtual address va.
func (as *AddressSpace) Load32(va uint32) (uint32, defs.Err_t) {
	f, ok := as.Translate(va)
	if !ok {
		return 0, defs.Invalid
	}
	return ReadPhys(f, va&uint32(mem.PGOFFSET)), defs.Success
}

// Store32 writes the 32-bit word at virtual address va.
func (as *AddressSpace) Store32(va, v uint32) defs.Err_t {
	f, ok := as.Translate(va)
	if !ok {
		return defs.Invalid
	}
	WritePhys(f, va&uint32(mem.PGOFFSET), v)
	return defs.Success
}

// WriteBytes copies data into the pages backing va, a byte at a time
// via the word-granular physical store. Used by the ELF loader and any
// other caller that needs to populate a freshly mapped region rather
// than trade words with it.
func (as *AddressSpace) WriteBytes(va uint32, data []byte) defs.Err_t {
	for i, b := range data {
		dst := va + uint32(i)
		f, ok := as.Translate(dst)
		if !ok {
			return defs.Invalid
		}
		page := physPage(f)
		off := dst & uint32(mem.PGOFFSET)
		word := page[off/4]
		shift := (off % 4) * 8
		word = word&^(0xFF<<shift) | uint32(b)<<shift
		page[off/4] = word
	}
	return defs.Success
}

// ReadBytes copies n bytes starting at va out of this address space,
// the copy-from-user primitive syscall argument marshalling builds on.
func (as *AddressSpace) ReadBytes(va uint32, n int) ([]byte, defs.Err_t) {
	out := make([]byte, n)
	for i := range out {
		src := va + uint32(i)
		f, ok := as.Translate(src)
		if !ok {
			return nil, defs.Invalid
		}
		page := physPage(f)
		off := src & uint32(mem.PGOFFSET)
		out[i] = byte(page[off/4] >> ((off % 4) * 8))
	}
	return out, defs.Success
}

// ZeroBytes clears n bytes starting at va, the way the ELF loader fills
// a segment's BSS tail.
func (as *AddressSpace) ZeroBytes(va uint32, n int) defs.Err_t {
	zero := make([]byte, n)
	return as.WriteBytes(va, zero)
}

// SwitchAddressSpace loads the page-directory register for as,
// switching the "currently active" address space. nil switches back to
// a pure-kernel context (used by threads with no process).
func SwitchAddressSpace(as *AddressSpace) {
	if as == nil {
		arch.LoadPageDirectory(0)
		return
	}
	arch.LoadPageDirectory(as.dir)
}

// HandleKernelHeapFault services a non-present page fault from kernel
// mode whose address falls in the kernel-heap region: it allocates a
// frame, maps it writable, fills it with the sentinel pattern, and
// returns success. Faults outside the kernel-heap region, or from user
// mode, are not eligible and the caller should escalate (kill the
// thread, or panic for other kernel-mode faults).
func HandleKernelHeapFault(as *AddressSpace, va uint32) defs.Err_t {
	if va < KernelHeapStart || va >= KernelHeapEnd {
		return defs.Invalid
	}
	pageVa := va &^ uint32(mem.PGOFFSET)
	if err := as.Map(pageVa, 0, mem.PGSIZE, mem.PteW); err != defs.Success {
		return err
	}
	f, _ := as.Translate(pageVa)
	for off := uint32(0); off < uint32(mem.PGSIZE); off += 4 {
		WritePhys(f, off, KernelHeapSentinel)
	}
	return defs.Success
}
