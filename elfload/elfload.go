// Package elfload materialises a new process from a 32-bit ELF
// executable read through the VFS.
package elfload

import (
	"debug/elf"
	"io"

	"github.com/cjsmeele/RikaiOS-sub000/defs"
	"github.com/cjsmeele/RikaiOS-sub000/mem"
	"github.com/cjsmeele/RikaiOS-sub000/proc"
	"github.com/cjsmeele/RikaiOS-sub000/vfs"
	"github.com/cjsmeele/RikaiOS-sub000/vm"
)

// MaxProgramHeaders bounds the number of program header entries a
// loadable executable may declare.
const MaxProgramHeaders = 16

// ChunkSize is the size of the stack buffer segment data is staged
// through on its way from the backing file into the target address
// space; small enough to live comfortably on a kernel thread's stack.
const ChunkSize = 8 * 1024

// MaxArgs and MaxArgBytes bound the argv region mapped for a new
// process.
const MaxArgs = 64
const MaxArgBytes = 16 * 1024

// UserArgsStart is where the argc/argv/argument-bytes region is mapped
// near the top of user space.
const UserArgsStart = vm.UserEnd - uint32(MaxArgBytes)

// vfsReaderAt adapts a (pid, fd) VFS handle to io.ReaderAt so it can be
// handed to debug/elf, which wants random access to the file.
type vfsReaderAt struct {
	pid defs.Pid_t
	fd  int
}

func (r *vfsReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if _, err := vfs.Seek(r.pid, r.fd, off, defs.SeekSet); err != defs.Success {
		return 0, err
	}
	total := 0
	for total < len(p) {
		n, err := vfs.Read(r.pid, r.fd, p[total:])
		if err != defs.Success {
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
		total += n
	}
	return total, nil
}

func validateHeader(f *elf.File) defs.Err_t {
	if f.Class != elf.ELFCLASS32 {
		return defs.Invalid
	}
	if f.Data != elf.ELFDATA2LSB {
		return defs.Invalid
	}
	if f.Type != elf.ET_EXEC {
		return defs.Invalid
	}
	if f.Machine != elf.EM_386 {
		return defs.Invalid
	}
	if len(f.Progs) > MaxProgramHeaders {
		return defs.Invalid
	}
	return defs.Success
}

func regionValid(vaddr, size uint32) bool {
	if size == 0 {
		return true
	}
	end := vaddr + size
	if end < vaddr {
		return false // overflow
	}
	return vaddr >= vm.UserStart && end <= vm.UserEnd
}

func roundUpPage(n uint32) uint32 {
	const mask = 4096 - 1
	return (n + mask) &^ mask
}

// Load opens path, validates it as a 32-bit little-endian EXEC ELF,
// builds a fresh address space populated from its PT_LOAD segments and
// argument vector, and registers a process ready to run from the ELF
// entry point. The address space is torn down on any error; ownership
// passes to the returned process on success.
func Load(pid defs.Pid_t, path string, args []string) (*proc.Process, defs.Err_t) {
	fd, err := vfs.Open(pid, path, defs.ORead, -1)
	if err != defs.Success {
		return nil, err
	}
	defer vfs.Close(pid, fd)

	ef, ferr := elf.NewFile(&vfsReaderAt{pid: pid, fd: fd})
	if ferr != nil {
		return nil, defs.Invalid
	}
	defer ef.Close()

	if err := validateHeader(ef); err != defs.Success {
		return nil, err
	}

	as := vm.NewAddressSpace()
	ok := false
	defer func() {
		if !ok {
			as.Delete()
		}
	}()

	chunk := make([]byte, ChunkSize)

	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}

		sizeMem := roundUpPage(uint32(prog.Memsz))
		vaddr := uint32(prog.Vaddr)

		if prog.Filesz > prog.Memsz {
			return nil, defs.Invalid
		}
		if !regionValid(vaddr, sizeMem) {
			return nil, defs.Invalid
		}

		if err := as.Map(vaddr, 0, int(sizeMem), mem.PteW|mem.PteU); err != defs.Success {
			return nil, err
		}

		bytesCopied := uint32(0)
		sr := io.NewSectionReader(prog, 0, int64(prog.Filesz))
		for bytesCopied < uint32(prog.Filesz) {
			toCopy := uint32(prog.Filesz) - bytesCopied
			if toCopy > ChunkSize {
				toCopy = ChunkSize
			}
			if _, rerr := io.ReadFull(sr, chunk[:toCopy]); rerr != nil {
				return nil, defs.Io
			}
			if err := as.WriteBytes(vaddr+bytesCopied, chunk[:toCopy]); err != defs.Success {
				return nil, err
			}
			bytesCopied += toCopy
		}

		if uint32(prog.Memsz) > uint32(prog.Filesz) {
			bssLen := int(uint32(prog.Memsz) - uint32(prog.Filesz))
			if err := as.ZeroBytes(vaddr+uint32(prog.Filesz), bssLen); err != defs.Success {
				return nil, err
			}
		}
	}

	if err := as.Map(UserArgsStart, 0, MaxArgBytes, mem.PteW|mem.PteU); err != defs.Success {
		return nil, err
	}
	if err := writeArgs(as, args); err != defs.Success {
		return nil, err
	}

	entry := uint32(ef.Entry)
	p := proc.MakeProc(path, as, func() {
		runUser(as, entry)
	})

	ok = true
	return p, defs.Success
}

// writeArgs lays out argc, an argv pointer array, and the argument
// bytes themselves at the start of the mapped arguments region, the
// same layout a user-mode crt0 would expect to find at startup.
func writeArgs(as *vm.AddressSpace, args []string) defs.Err_t {
	if len(args) > MaxArgs {
		args = args[:MaxArgs]
	}

	argc := uint32(len(args))
	var hdr [4]byte
	putU32(hdr[:], argc)
	if err := as.WriteBytes(UserArgsStart, hdr[:]); err != defs.Success {
		return err
	}

	argvBase := UserArgsStart + 4
	stringsBase := argvBase + uint32(MaxArgs)*4
	p := stringsBase

	for i, a := range args {
		if p+uint32(len(a))+1 > UserArgsStart+uint32(MaxArgBytes) {
			return defs.Nospace
		}
		var ptr [4]byte
		putU32(ptr[:], p)
		if err := as.WriteBytes(argvBase+uint32(i)*4, ptr[:]); err != defs.Success {
			return err
		}
		if err := as.WriteBytes(p, []byte(a)); err != defs.Success {
			return err
		}
		if err := as.WriteBytes(p+uint32(len(a)), []byte{0}); err != defs.Success {
			return err
		}
		p += uint32(len(a)) + 1
	}
	return defs.Success
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// runUser is the body of a newly loaded process's initial thread. On
// real hardware the saved register frame would point at entry and a
// return-from-interrupt would drop into ring 3 there; this goroutine
// body is the simulation's stand-in for that trampoline, so it only
// switches the thread's active address space in. A loaded ELF occupies
// an address space and can be introspected (Translate/Load32) but does
// not run native instructions.
func runUser(as *vm.AddressSpace, entry uint32) {
	vm.SwitchAddressSpace(as)
	_ = entry
}
