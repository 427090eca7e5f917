package defs

import "testing"

func TestErrName(t *testing.T) {
	cases := []struct {
		e    Err_t
		want string
	}{
		{Success, "success"},
		{BadFd, "bad file descriptor"},
		{Eof, "end of file"},
	}
	for _, c := range cases {
		if got := c.e.Name(); got != c.want {
			t.Errorf("Err_t(%d).Name() = %q, want %q", c.e, got, c.want)
		}
	}
}

func TestPermAllows(t *testing.T) {
	p := PermUR | PermGW
	if !p.Allows(ORead) {
		t.Errorf("expected read to be allowed")
	}
	if !p.Allows(OWrite) {
		t.Errorf("expected write to be allowed via group bit")
	}
	if p.Allows(ORead | OWrite) == false {
		t.Errorf("expected read+write to be allowed")
	}

	ro := PermOR
	if ro.Allows(OWrite) {
		t.Errorf("expected write to be denied")
	}
}

func TestDirEntryRoundtrip(t *testing.T) {
	e := DirEntry{
		Name:   "hello.txt",
		InodeI: 0xdeadbeefcafebabe,
		Type:   TypeRegular,
		Perm:   PermUR | PermUW,
		Size:   4096,
	}
	wire := e.Marshal()

	var got DirEntry
	got.Unmarshal(wire)

	if got.Name != e.Name {
		t.Errorf("Name = %q, want %q", got.Name, e.Name)
	}
	if got.InodeI != e.InodeI {
		t.Errorf("InodeI = %#x, want %#x", got.InodeI, e.InodeI)
	}
	if got.Type != e.Type {
		t.Errorf("Type = %d, want %d", got.Type, e.Type)
	}
	if got.Perm != e.Perm {
		t.Errorf("Perm = %o, want %o", got.Perm, e.Perm)
	}
	if got.Size != e.Size {
		t.Errorf("Size = %d, want %d", got.Size, e.Size)
	}
}
