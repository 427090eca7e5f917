package kheap

import "testing"

func TestAllocAlignment(t *testing.T) {
	h := New(64 * 1024)
	for _, align := range []int{1, 4, 16, 64, 4096} {
		b, ok := h.Alloc(37, align)
		if !ok {
			t.Fatalf("alloc failed for align %d", align)
		}
		blk := h.blockFor(b)
		if blk == nil {
			t.Fatalf("could not find block for returned slice")
		}
		if off := cap(h.arena) - cap(b); off%align != 0 {
			t.Fatalf("align %d: payload at arena offset %d is not aligned", align, off)
		}
	}
}

func TestFreeMergesAdjacent(t *testing.T) {
	h := New(4096)
	a, ok := h.Alloc(100, 4)
	if !ok {
		t.Fatalf("alloc a failed")
	}
	b, ok := h.Alloc(100, 4)
	if !ok {
		t.Fatalf("alloc b failed")
	}
	h.Free(a)
	h.Free(b)
	if !h.AuditNoAdjacentFrees() {
		t.Fatalf("expected no adjacent free blocks after freeing all allocations")
	}
}

func TestAllocReturnsDistinctRegions(t *testing.T) {
	h := New(4096)
	a, _ := h.Alloc(64, 4)
	b, _ := h.Alloc(64, 4)
	for i := range a {
		a[i] = 0xAA
	}
	for i := range b {
		b[i] = 0xBB
	}
	for i := range a {
		if a[i] != 0xAA {
			t.Fatalf("region a corrupted at %d", i)
		}
	}
}

func TestExhaustion(t *testing.T) {
	h := New(256)
	var got int
	for {
		_, ok := h.Alloc(32, 4)
		if !ok {
			break
		}
		got++
		if got > 100 {
			t.Fatalf("allocator never reported exhaustion")
		}
	}
}
