// Package frame implements the physical frame allocator: a bitmap over
// the entire 32-bit physical address space, where a set bit means "free
// and available".
package frame

import (
	"sync"

	"github.com/cjsmeele/RikaiOS-sub000/mem"
	"github.com/cjsmeele/RikaiOS-sub000/util"
)

// TotalFrames is the number of 4 KiB frames in a 4 GiB address space
// (2^20).
const TotalFrames = 1 << 20

const bitsPerWord = 32
const numWords = TotalFrames / bitsPerWord

// Region describes a bootloader-reported usable physical memory range.
type Region struct {
	Start mem.Pa_t
	Size  uint32
}

// allocator holds the frame bitmap and running counters. Unexported:
// callers use the package-level functions, which serialize access with
// a mutex standing in for the real kernel's "disable interrupts during
// allocation" discipline.
type allocator struct {
	mu sync.Mutex

	bitmap [numWords]uint32

	firstFreeWord uint32

	free     uint32
	used     uint32
	reserved uint32
	total    uint32
}

var a allocator

// Init initializes the frame allocator from a bootloader-supplied list
// of usable memory regions. All frames start reserved (bit 0); each
// region is rounded inward to page boundaries and its bits set; the low
// megabyte and the kernel image footprint are then explicitly cleared
// again. Regions (or the tail of a region) at or above 4 GiB are
// ignored, since 32-bit paging cannot address them.
func Init(regions []Region, kernelImageEnd mem.Pa_t) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.bitmap = [numWords]uint32{}
	a.firstFreeWord = 0
	a.free, a.used, a.reserved = 0, 0, uint32(TotalFrames)
	a.total = uint32(TotalFrames)

	for _, r := range regions {
		start := uint64(r.Start)
		end := start + uint64(r.Size)
		if start >= 1<<32 {
			continue
		}
		if end > 1<<32 {
			end = 1 << 32
		}
		startFrame := util.Roundup(int(start), mem.PGSIZE) / mem.PGSIZE
		endFrame := util.Rounddown(int(end), mem.PGSIZE) / mem.PGSIZE
		setRangeLocked(uint32(startFrame), uint32(endFrame-startFrame))
	}

	lowMegFrames := uint32(0x100000 / mem.PGSIZE)
	clearRangeLocked(0, lowMegFrames)

	kernelEndFrame := util.Roundup(int(kernelImageEnd), mem.PGSIZE) / mem.PGSIZE
	clearRangeLocked(lowMegFrames, uint32(kernelEndFrame)-lowMegFrames)

	a.firstFreeWord = 0
}

// AllocateOne scans from firstFreeWord for the lowest set bit in the
// first non-zero word, clears it and returns the corresponding frame
// index. Returns 0 on exhaustion.
func AllocateOne() mem.Frame_t {
	a.mu.Lock()
	defer a.mu.Unlock()

	for w := a.firstFreeWord; w < numWords; w++ {
		if a.bitmap[w] == 0 {
			continue
		}
		bit := trailingZeros32(a.bitmap[w])
		a.bitmap[w] &^= 1 << bit
		a.firstFreeWord = w
		a.free--
		a.used++
		return mem.Frame_t(w*bitsPerWord + uint32(bit))
	}
	return 0
}

// FreeOne returns a single frame to the pool.
func FreeOne(idx mem.Frame_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	setRangeLocked(uint32(idx), 1)
	// setRangeLocked moved the frame from reserved to free; it was used.
	a.reserved++
	a.used--
	w := uint32(idx) / bitsPerWord
	if w < a.firstFreeWord {
		a.firstFreeWord = w
	}
}

// Free returns n contiguous frames starting at idx to the pool.
func Free(idx mem.Frame_t, n uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	setRangeLocked(uint32(idx), n)
	// setRangeLocked moved the frames from reserved to free; they were used.
	a.reserved += n
	a.used -= n
	w := uint32(idx) / bitsPerWord
	if w < a.firstFreeWord {
		a.firstFreeWord = w
	}
}

// SetRange marks n frames starting at idx as free. Frames that were not
// already free move from the reserved count to the free count; the used
// count is not touched, so this seeds the bitmap from boot regions (as
// Init does) rather than returning allocated frames (see Free).
func SetRange(idx mem.Frame_t, n uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	setRangeLocked(uint32(idx), n)
}

func setRangeLocked(start, n uint32) {
	for n > 0 {
		w := start / bitsPerWord
		shift := start % bitsPerWord
		run := bitsPerWord - shift
		if run > n {
			run = n
		}
		var mask uint32
		if run == bitsPerWord {
			mask = ^uint32(0)
		} else {
			mask = ((1 << run) - 1) << shift
		}
		wasFree := popcount32(a.bitmap[w] & mask)
		a.bitmap[w] |= mask
		newlyFreed := run - wasFree
		a.free += newlyFreed
		a.reserved -= newlyFreed
		start += run
		n -= run
	}
}

func clearRangeLocked(start, n uint32) {
	for n > 0 {
		w := start / bitsPerWord
		shift := start % bitsPerWord
		run := bitsPerWord - shift
		if run > n {
			run = n
		}
		var mask uint32
		if run == bitsPerWord {
			mask = ^uint32(0)
		} else {
			mask = ((1 << run) - 1) << shift
		}
		wasFree := popcount32(a.bitmap[w] & mask)
		a.bitmap[w] &^= mask
		a.free -= wasFree
		a.reserved += wasFree
		start += run
		n -= run
	}
}

// Stats reports the current free/used/reserved/total frame counts.
func Stats() (free, used, reserved, total uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free, a.used, a.reserved, a.total
}

// AuditScan performs a full bitmap-vs-counters consistency scan,
// returning false if the observed free-bit count disagrees with the
// free counter, or if free+used+reserved != total.
func AuditScan() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	var freeBits uint32
	for _, w := range a.bitmap {
		freeBits += popcount32(w)
	}
	if freeBits != a.free {
		return false
	}
	return a.free+a.used+a.reserved == a.total
}

func trailingZeros32(v uint32) uint {
	if v == 0 {
		return 32
	}
	var n uint
	for v&1 == 0 {
		v >>= 1
		n++
	}
	return n
}

func popcount32(v uint32) uint32 {
	var n uint32
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}
