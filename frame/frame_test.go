package frame

import (
	"testing"

	"github.com/cjsmeele/RikaiOS-sub000/mem"
)

func TestBoot(t *testing.T) {
	kernelImageEnd := mem.Pa_t(0x00200000) // pretend the kernel image ends at 2 MiB
	Init([]Region{{Start: 0x00100000, Size: 0x10000000}}, kernelImageEnd)

	free, used, reserved, total := Stats()
	if total != TotalFrames {
		t.Fatalf("total = %d, want %d", total, TotalFrames)
	}
	wantFree := (uint32(0x10000000) - uint32(kernelImageEnd-0x00100000)) / uint32(mem.PGSIZE)
	if free != wantFree {
		t.Fatalf("free = %d, want %d", free, wantFree)
	}
	if used != 0 {
		t.Fatalf("used = %d, want 0", used)
	}
	if free+used+reserved != total {
		t.Fatalf("free+used+reserved = %d, want %d", free+used+reserved, total)
	}
	if !AuditScan() {
		t.Fatalf("audit scan failed after init")
	}

	f := AllocateOne()
	if f == 0 {
		t.Fatalf("allocate_one returned 0 on fresh pool")
	}
	minFrame := mem.Frame_t(kernelImageEnd / mem.Pa_t(mem.PGSIZE))
	if f < minFrame {
		t.Fatalf("allocate_one returned %d, below kernel image end frame %d", f, minFrame)
	}
	if !AuditScan() {
		t.Fatalf("audit scan failed after one allocation")
	}
}

func TestAllocateFreeBijection(t *testing.T) {
	Init([]Region{{Start: 0x00100000, Size: 0x01000000}}, 0x00110000)

	var held []mem.Frame_t
	for i := 0; i < 100; i++ {
		f := AllocateOne()
		if f == 0 {
			t.Fatalf("unexpected exhaustion at iteration %d", i)
		}
		held = append(held, f)
	}
	if !AuditScan() {
		t.Fatalf("audit failed after allocations")
	}
	for _, f := range held {
		FreeOne(f)
	}
	if !AuditScan() {
		t.Fatalf("audit failed after frees")
	}
	_, used, _, _ := Stats()
	if used != 0 {
		t.Fatalf("used = %d, want 0 after freeing everything held", used)
	}
}

func TestNeverHandsOutReserved(t *testing.T) {
	Init([]Region{{Start: 0, Size: 0x02000000}}, 0x00110000)

	reservedLimit := mem.Frame_t(0x00110000 / mem.Pa_t(mem.PGSIZE))
	for i := 0; i < 1000; i++ {
		f := AllocateOne()
		if f == 0 {
			break
		}
		if f < reservedLimit {
			t.Fatalf("allocate_one returned reserved frame %d (< %d)", f, reservedLimit)
		}
	}
}
