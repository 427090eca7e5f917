// Package kheap implements the kernel heap: a first-fit allocator over
// a flat byte arena, with a doubly linked list of blocks carrying a
// corruption-detecting sentinel, matching the block-header design the
// original kernel heap uses (see DESIGN.md).
package kheap

import (
	"sync"
	"unsafe"
)

// header-overhead and split threshold, chosen to match the "only split
// if slack exceeds sizeof(header)+32" rule.
const headerOverhead = 24
const splitThreshold = headerOverhead + 32

var sentinelMagic = [3]byte{0x5A, 0xA5, 0x3C}

type header struct {
	prev, next *header
	used       bool
	sentinel   [3]byte
	offset     int
	size       int // payload capacity, excluding header overhead
}

// Heap is a first-fit kernel heap allocator over a fixed-size arena.
type Heap struct {
	mu    sync.Mutex
	arena []byte
	first *header

	allocated int
	holeSize  int
	overhead  int
}

// New creates a heap with the given arena size in bytes.
func New(size int) *Heap {
	h := &Heap{arena: make([]byte, size)}
	h.first = &header{
		used:     false,
		sentinel: sentinelMagic,
		offset:   0,
		size:     size - headerOverhead,
	}
	h.holeSize = h.first.size
	h.overhead = headerOverhead
	return h
}

func roundup(n, align int) int {
	if align <= 0 {
		align = 1
	}
	return (n + align - 1) &^ (align - 1)
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Alloc reserves size bytes aligned to align (rounded up to the nearest
// power of two), returning a slice over the arena and true on success,
// or (nil, false) on exhaustion.
func (h *Heap) Alloc(size, align int) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	size = roundup(size, 4)
	align = nextPow2(align)

	for b := h.first; b != nil; b = b.next {
		if b.used {
			continue
		}
		alignedStart := roundup(b.offset, align)
		leadPad := alignedStart - b.offset
		if leadPad+size > b.size {
			continue
		}

		if leadPad > 0 {
			if leadPad >= splitThreshold {
				lead := &header{
					prev:     b.prev,
					next:     b,
					used:     false,
					sentinel: sentinelMagic,
					offset:   b.offset,
					size:     leadPad - headerOverhead,
				}
				if lead.prev != nil {
					lead.prev.next = lead
				} else {
					h.first = lead
				}
				b.prev = lead
				b.offset = alignedStart
				b.size -= leadPad
				h.overhead += headerOverhead
				leadPad = 0
			}
			// else: absorbed into the allocation below by shifting
			// the block's effective start without splitting.
		}

		trailingSlack := b.size - leadPad - size
		if trailingSlack > splitThreshold {
			tail := &header{
				prev:     b,
				next:     b.next,
				used:     false,
				sentinel: sentinelMagic,
				offset:   b.offset + leadPad + size + headerOverhead,
				size:     trailingSlack - headerOverhead,
			}
			if tail.next != nil {
				tail.next.prev = tail
			}
			b.next = tail
			h.overhead += headerOverhead
			b.size = leadPad + size
		}

		b.used = true
		b.sentinel = sentinelMagic
		h.holeSize -= b.size
		h.allocated += b.size

		payloadStart := b.offset + leadPad
		return h.arena[payloadStart : payloadStart+size], true
	}
	return nil, false
}

// Free releases a previously allocated slice. Panics (mirroring the
// kernel-panic path) if the sentinel is corrupted or the block is
// already free, since both indicate a kernel invariant violation.
func (h *Heap) Free(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	blk := h.blockFor(b)
	if blk == nil {
		panic("kheap: free of unknown block")
	}
	if blk.sentinel != sentinelMagic {
		panic("kheap: sentinel mismatch")
	}
	if !blk.used {
		panic("kheap: double free")
	}
	blk.used = false
	h.allocated -= blk.size
	h.holeSize += blk.size

	if blk.next != nil && !blk.next.used {
		h.mergeWithNext(blk)
	}
	if blk.prev != nil && !blk.prev.used {
		h.mergeWithNext(blk.prev)
	}
}

// mergeWithNext absorbs b.next into b, removing one header.
func (h *Heap) mergeWithNext(b *header) {
	n := b.next
	b.size += headerOverhead + n.size
	b.next = n.next
	if b.next != nil {
		b.next.prev = b
	}
	h.overhead -= headerOverhead
}

func (h *Heap) blockFor(b []byte) *header {
	if len(b) == 0 || len(h.arena) == 0 {
		return nil
	}
	base := uintptr(unsafe.Pointer(&h.arena[0]))
	p := uintptr(unsafe.Pointer(&b[0]))
	off := int(p - base)
	for blk := h.first; blk != nil; blk = blk.next {
		if off >= blk.offset && off < blk.offset+headerOverhead+blk.size {
			return blk
		}
	}
	return nil
}

// Stats reports the three heap-wide counters.
func (h *Heap) Stats() (allocated, holeSize, overhead int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocated, h.holeSize, h.overhead
}

// AuditNoAdjacentFrees walks the block list and reports false if two
// adjacent free blocks are found (they should always have been
// merged), or if any sentinel is corrupted.
func (h *Heap) AuditNoAdjacentFrees() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for b := h.first; b != nil; b = b.next {
		if b.sentinel != sentinelMagic {
			return false
		}
		if !b.used && b.next != nil && !b.next.used {
			return false
		}
	}
	return true
}
