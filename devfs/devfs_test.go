package devfs

import (
	"testing"

	"github.com/cjsmeele/RikaiOS-sub000/defs"
)

func TestBuiltinDevices(t *testing.T) {
	fs := New()

	entries, _, done, err := fs.ReadDir(fs.GetRoot(), 0)
	if err != defs.Success || len(entries) == 0 {
		t.Fatalf("read_dir at root failed: err=%v entries=%v", err, entries)
	}
	_ = done

	zeroNode, err := fs.Lookup(fs.GetRoot(), "zero")
	if err != defs.Success {
		t.Fatalf("lookup zero failed: %v", err)
	}
	buf := make([]byte, 16)
	for i := range buf {
		buf[i] = 0xAA
	}
	n, err := fs.Read(zeroNode, 0, buf)
	if err != defs.Success || n != 16 {
		t.Fatalf("read zero: n=%d err=%v", n, err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}

	fullNode, _ := fs.Lookup(fs.GetRoot(), "full")
	n, err = fs.Read(fullNode, 0, buf)
	if err != defs.Success || n != 16 {
		t.Fatalf("read full: n=%d err=%v", n, err)
	}
	for i, b := range buf {
		if b != 0xFF {
			t.Fatalf("byte %d = %#x, want 0xff", i, b)
		}
	}
	if n, err := fs.Write(fullNode, 0, []byte("x")); err != defs.Nospace || n != 0 {
		t.Fatalf("write to full: n=%d err=%v, want nospace", n, err)
	}

	nullNode, _ := fs.Lookup(fs.GetRoot(), "null")
	if n, err := fs.Write(nullNode, 0, []byte("discarded")); err != defs.Success || n != 9 {
		t.Fatalf("write to null: n=%d err=%v", n, err)
	}
	if n, err := fs.Read(nullNode, 0, buf); err != defs.Success || n != 0 {
		t.Fatalf("read from null: n=%d err=%v, want 0 bytes", n, err)
	}
}

func TestPartitionDeviceWindow(t *testing.T) {
	backing := &MemoryDevice{Backing: make([]byte, 4096)}
	for i := range backing.Backing {
		backing.Backing[i] = byte(i)
	}
	p := &PartitionDevice{Inner: backing, StartByte: 512, SizeBytes: 1024}

	buf := make([]byte, 4)
	n, err := p.Read(0, buf)
	if err != defs.Success || n != 4 {
		t.Fatalf("read: n=%d err=%v", n, err)
	}
	want := []byte{byte(512 & 0xFF), byte(513 & 0xFF), byte(514 & 0xFF), byte(515 & 0xFF)}
	for i := range buf {
		if buf[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d", i, buf[i], want[i])
		}
	}
}
