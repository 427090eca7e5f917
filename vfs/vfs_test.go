package vfs

import (
	"testing"

	"github.com/cjsmeele/RikaiOS-sub000/defs"
)

func TestPipeEcho(t *testing.T) {
	const pid = defs.Pid_t(1)
	rfd, wfd, err := MakePipe(pid)
	if err != defs.Success {
		t.Fatalf("make_pipe failed: %v", err)
	}

	n, err := Write(pid, wfd, []byte("hello"))
	if err != defs.Success || n != 5 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}

	buf := make([]byte, 5)
	n, err = Read(pid, rfd, buf)
	if err != defs.Success || n != 5 || string(buf) != "hello" {
		t.Fatalf("read: n=%d err=%v buf=%q", n, err, buf)
	}

	if err := Close(pid, wfd); err != defs.Success {
		t.Fatalf("close write end: %v", err)
	}

	one := make([]byte, 1)
	n, err = Read(pid, rfd, one)
	if err != defs.Success || n != 0 {
		t.Fatalf("expected EOF (n=0) after writer closed, got n=%d err=%v", n, err)
	}
}

// memFs is a minimal in-memory Filesystem_i used to exercise Open and
// ReadDir without a real disk backend.
type memFs struct {
	Defaults
	root    Node
	entries []defs.DirEntry
	data    map[uint64][]byte
}

func (m *memFs) Type() string { return "memfs" }
func (m *memFs) Name() string { return "mem0" }
func (m *memFs) GetRoot() Node { return m.root }

func (m *memFs) ReadDir(dir Node, cursor int) ([]defs.DirEntry, int, bool, defs.Err_t) {
	if cursor >= len(m.entries) {
		return nil, cursor, true, defs.Success
	}
	return []defs.DirEntry{m.entries[cursor]}, cursor + 1, cursor+1 >= len(m.entries), defs.Success
}

func (m *memFs) Lookup(dir Node, name string) (Node, defs.Err_t) {
	return LookupByScan(m, dir, name)
}

func (m *memFs) Read(n Node, off int64, buf []byte) (int, defs.Err_t) {
	d := m.data[n.InodeI]
	if off >= int64(len(d)) {
		return 0, defs.Success
	}
	c := copy(buf, d[off:])
	return c, defs.Success
}

func newMemFs() *memFs {
	return &memFs{
		root: Node{InodeI: 0, Type: defs.TypeDir, Perm: defs.PermUR | defs.PermUX},
		entries: []defs.DirEntry{
			{Name: "README", InodeI: 1, Type: defs.TypeRegular, Perm: defs.PermUR, Size: 11},
		},
		data: map[uint64][]byte{1: []byte("hello world")},
	}
}

func TestOpenReadRoundtrip(t *testing.T) {
	fs := newMemFs()
	Mounted("/disk0p0", fs)

	const pid = defs.Pid_t(2)
	fd, err := Open(pid, "/disk0p0/README", defs.ORead, -1)
	if err != defs.Success {
		t.Fatalf("open failed: %v", err)
	}
	buf := make([]byte, 11)
	n, err := Read(pid, fd, buf)
	if err != defs.Success || n != 11 || string(buf) != "hello world" {
		t.Fatalf("read: n=%d err=%v buf=%q", n, err, buf)
	}
}
