package elfload

import (
	"encoding/binary"
	"testing"

	"github.com/cjsmeele/RikaiOS-sub000/defs"
	"github.com/cjsmeele/RikaiOS-sub000/frame"
	"github.com/cjsmeele/RikaiOS-sub000/mem"
	"github.com/cjsmeele/RikaiOS-sub000/vfs"
	"github.com/cjsmeele/RikaiOS-sub000/vm"
)

// buildELF32 assembles a minimal valid 32-bit little-endian EXEC ELF
// with a single PT_LOAD segment carrying payload at its start and
// bssLen zero bytes of uninitialised tail.
func buildELF32(entry, vaddr uint32, payload []byte, bssLen uint32) []byte {
	const ehdrSize = 52
	const phdrSize = 32

	buf := make([]byte, ehdrSize+phdrSize+len(payload))

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 1 // ELFCLASS32
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(buf[16:], 2)             // e_type = ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:], 3)             // e_machine = EM_386
	binary.LittleEndian.PutUint32(buf[20:], 1)             // e_version
	binary.LittleEndian.PutUint32(buf[24:], entry)         // e_entry
	binary.LittleEndian.PutUint32(buf[28:], ehdrSize)      // e_phoff
	binary.LittleEndian.PutUint16(buf[40:], ehdrSize)      // e_ehsize
	binary.LittleEndian.PutUint16(buf[42:], phdrSize)      // e_phentsize
	binary.LittleEndian.PutUint16(buf[44:], 1)             // e_phnum

	ph := buf[ehdrSize : ehdrSize+phdrSize]
	binary.LittleEndian.PutUint32(ph[0:], 1)                      // p_type = PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:], ehdrSize+phdrSize)      // p_offset
	binary.LittleEndian.PutUint32(ph[8:], vaddr)                  // p_vaddr
	binary.LittleEndian.PutUint32(ph[12:], vaddr)                 // p_paddr
	binary.LittleEndian.PutUint32(ph[16:], uint32(len(payload)))  // p_filesz
	binary.LittleEndian.PutUint32(ph[20:], uint32(len(payload))+bssLen) // p_memsz
	binary.LittleEndian.PutUint32(ph[24:], 7)                     // p_flags = RWX

	copy(buf[ehdrSize+phdrSize:], payload)
	return buf
}

// blobFs is a minimal single-file vfs.Filesystem_i used to present a
// byte slice (a handcrafted ELF image) through the VFS.
type blobFs struct {
	vfs.Defaults
	name string
	data []byte
}

func (f *blobFs) Type() string  { return "blobfs" }
func (f *blobFs) Name() string  { return "blob0" }
func (f *blobFs) GetRoot() vfs.Node {
	return vfs.Node{InodeI: 0, Type: defs.TypeDir, Perm: defs.PermUR | defs.PermUX}
}

func (f *blobFs) ReadDir(dir vfs.Node, cursor int) ([]defs.DirEntry, int, bool, defs.Err_t) {
	if cursor > 0 {
		return nil, cursor, true, defs.Success
	}
	return []defs.DirEntry{{Name: f.name, InodeI: 1, Type: defs.TypeRegular, Perm: defs.PermUR, Size: uint64(len(f.data))}}, 1, true, defs.Success
}

func (f *blobFs) Lookup(dir vfs.Node, name string) (vfs.Node, defs.Err_t) {
	return vfs.LookupByScan(f, dir, name)
}

func (f *blobFs) Read(n vfs.Node, off int64, buf []byte) (int, defs.Err_t) {
	if off >= int64(len(f.data)) {
		return 0, defs.Success
	}
	return copy(buf, f.data[off:]), defs.Success
}

func setupFrames() {
	frame.Init([]frame.Region{{Start: 0, Size: 256 * 1024 * 1024}}, mem.Pa_t(vm.ReservedEnd))
}

func TestLoadValidExecutable(t *testing.T) {
	setupFrames()

	const entry = vm.UserStart
	payload := []byte("hello, world\x00")
	img := buildELF32(entry, vm.UserStart, payload, 4096)

	vfs.Mounted("/bin", &blobFs{name: "hello.elf", data: img})

	const pid = defs.Pid_t(10)
	p, err := Load(pid, "/bin/hello.elf", []string{"hello"})
	if err != defs.Success {
		t.Fatalf("load failed: %v", err)
	}
	if p == nil {
		t.Fatalf("expected a process")
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	setupFrames()

	img := buildELF32(vm.UserStart, vm.UserStart, []byte("x"), 0)
	img[0] = 0 // corrupt magic

	vfs.Mounted("/bin2", &blobFs{name: "bad.elf", data: img})

	const pid = defs.Pid_t(11)
	if _, err := Load(pid, "/bin2/bad.elf", nil); err == defs.Success {
		t.Fatalf("expected load to reject corrupted header")
	}
}

func TestRegionValidBounds(t *testing.T) {
	if !regionValid(vm.UserStart, uint32(mem.PGSIZE)) {
		t.Fatalf("expected a page at UserStart to validate")
	}
	if regionValid(0, uint32(mem.PGSIZE)) {
		t.Fatalf("expected a kernel-space region to be rejected")
	}
	if regionValid(vm.UserEnd-uint32(mem.PGSIZE)/2, uint32(mem.PGSIZE)) {
		t.Fatalf("expected an overflowing region to be rejected")
	}
}
