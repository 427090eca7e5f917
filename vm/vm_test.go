package vm

import (
	"testing"

	"github.com/cjsmeele/RikaiOS-sub000/frame"
	"github.com/cjsmeele/RikaiOS-sub000/mem"
)

func initFrames(t *testing.T) {
	t.Helper()
	frame.Init([]frame.Region{{Start: 0x00100000, Size: 0x10000000}}, 0x00200000)
}

func TestMapRoundTrip(t *testing.T) {
	initFrames(t)
	as := NewAddressSpace()
	defer as.Delete()

	const va = UserStart + 0x1000
	if err := as.Map(va, 0, mem.PGSIZE, mem.PteW|mem.PteU); err != 0 {
		t.Fatalf("map failed: %v", err)
	}
	if err := as.Store32(va, 0x12345678); err != 0 {
		t.Fatalf("store failed: %v", err)
	}
	got, err := as.Load32(va)
	if err != 0 {
		t.Fatalf("load failed: %v", err)
	}
	if got != 0x12345678 {
		t.Fatalf("got %#x, want 0x12345678", got)
	}
}

func TestKernelSharingAcrossAddressSpaces(t *testing.T) {
	initFrames(t)
	as1 := NewAddressSpace()
	defer as1.Delete()

	const kva = KernelHeapStart + 0x3000
	if err := as1.Map(kva, 0, mem.PGSIZE, mem.PteW); err != 0 {
		t.Fatalf("map failed: %v", err)
	}
	if err := as1.Store32(kva, 0xCAFEBABE); err != 0 {
		t.Fatalf("store failed: %v", err)
	}

	as2 := NewAddressSpace()
	defer as2.Delete()

	got, err := as2.Load32(kva)
	if err != 0 {
		t.Fatalf("load from second address space failed: %v", err)
	}
	if got != 0xCAFEBABE {
		t.Fatalf("got %#x, want 0xCAFEBABE — kernel mapping not shared", got)
	}
}

func TestLazyKernelHeapFault(t *testing.T) {
	initFrames(t)
	as := NewAddressSpace()
	defer as.Delete()

	va := KernelHeapStart + 0x10000
	if _, ok := as.Translate(va); ok {
		t.Fatalf("expected page to be unmapped before fault")
	}
	if err := HandleKernelHeapFault(as, va); err != 0 {
		t.Fatalf("fault handler failed: %v", err)
	}
	got, err := as.Load32(va)
	if err != 0 {
		t.Fatalf("load failed: %v", err)
	}
	if got != KernelHeapSentinel {
		t.Fatalf("got %#x, want sentinel %#x", got, KernelHeapSentinel)
	}
}
