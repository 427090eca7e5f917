// Command kernel is the composition root: it brings the library packages
// up in dependency order, mounts the filesystems, registers the built-in
// devices, wires the syscall table, and creates the scheduler's idle
// thread. Nothing below main() in this package runs on real hardware;
// Boot plays the role the teacher's chentry.go / main.go pairing plays
// for a simulated machine description handed in by a test or a future
// bootloader stub.
package main

import (
	"fmt"
	"sync"

	"github.com/cjsmeele/RikaiOS-sub000/defs"
	"github.com/cjsmeele/RikaiOS-sub000/devfs"
	"github.com/cjsmeele/RikaiOS-sub000/elfload"
	"github.com/cjsmeele/RikaiOS-sub000/fat32"
	"github.com/cjsmeele/RikaiOS-sub000/frame"
	"github.com/cjsmeele/RikaiOS-sub000/intr"
	"github.com/cjsmeele/RikaiOS-sub000/kheap"
	"github.com/cjsmeele/RikaiOS-sub000/mem"
	"github.com/cjsmeele/RikaiOS-sub000/proc"
	"github.com/cjsmeele/RikaiOS-sub000/vfs"
	"github.com/cjsmeele/RikaiOS-sub000/vm"
)

// KernelHeapSize is the size of the kernel's own allocator arena,
// distinct from the per-process kernel-heap page-fault region in vm.
const KernelHeapSize = 4 * 1024 * 1024

// BootInfo describes the machine a Boot call brings up: the usable
// physical memory map a real loader would read from the multiboot/e820
// table, and where the kernel image itself ends (frames before that
// point are never handed out by the allocator).
type BootInfo struct {
	MemRegions     []frame.Region
	KernelImageEnd uint32

	// Disk, if non-nil, is probed as a FAT32 filesystem image and, on
	// success, mounted at DiskMountPoint. A simulation with no disk
	// image leaves this nil and boots with devfs only.
	Disk           devfs.Device
	DiskMountPoint string

	// Init, if non-empty, is loaded and spawned as the first user
	// process once boot completes.
	Init     string
	InitArgs []string
}

var heap *kheap.Heap

// kprintf is the kernel's formatted debug/console output path. A real
// build would route this at the VGA text buffer or serial port; here it
// goes to whatever io.Writer-like sink fmt.Printf resolves to, which is
// enough to observe boot order and syscall activity in tests.
func kprintf(format string, args ...any) {
	fmt.Printf("[kernel] "+format+"\n", args...)
}

// Panic reports an unrecoverable kernel-mode condition and halts. Unlike
// a user-mode fault (which kills the offending thread, see intr.go),
// there is no narrower scope to unwind.
func Panic(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	kprintf("PANIC: %s", msg)
	panic("kernel panic: " + msg)
}

// cwd tracks each process's current working directory. Neither vfs nor
// proc has a notion of "process state beyond an address space and file
// table", so get_cwd/set_cwd keep their own pid-keyed map here, the way
// a composition root owns state that no single library package needs.
var cwdMu sync.Mutex
var cwd = map[defs.Pid_t]string{}

func getCwd(pid defs.Pid_t) string {
	cwdMu.Lock()
	defer cwdMu.Unlock()
	if c, ok := cwd[pid]; ok {
		return c
	}
	return "/"
}

func setCwd(pid defs.Pid_t, path string) {
	cwdMu.Lock()
	defer cwdMu.Unlock()
	cwd[pid] = path
}

// Boot performs the dependency-order bring-up: frame allocator, kernel
// heap, interrupt hooks, the syscall table, scheduler idle thread, VFS
// plus devfs, an optional disk filesystem, and finally an optional init
// program (ksync's hooks are wired by proc's own init, not here). It
// returns once the idle thread exists and the system
// is ready to dispatch; it does not block forever, since nothing here
// runs as the init process of a real machine.
func Boot(info BootInfo) {
	frame.Init(info.MemRegions, mem.Pa_t(info.KernelImageEnd))

	heap = kheap.New(KernelHeapSize)

	intr.Wire()
	intr.InstallTimer()
	registerSyscalls()

	idle := proc.MakeKernelThread(func() {
		for {
			proc.Yield(false)
		}
	})
	proc.SetIdleThread(idle)

	vfs.Mounted("/dev", devfs.New())

	if info.Disk != nil {
		mnt := info.DiskMountPoint
		if mnt == "" {
			mnt = "/"
		}
		fs, err := fat32.TryMount(info.Disk, "disk0")
		if err != defs.Success {
			kprintf("fat32: mount at %s failed: %s", mnt, err.Name())
		} else {
			vfs.Mounted(mnt, fs)
			kprintf("fat32: mounted disk0 at %s", mnt)
		}
	}

	if info.Init != "" {
		p, err := elfload.Load(defs.NoPid, info.Init, info.InitArgs)
		if err != defs.Success {
			kprintf("init: load %q failed: %s", info.Init, err.Name())
		} else {
			setCwd(p.Pid(), "/")
			kprintf("init: started %q as pid %d", info.Init, p.Pid())
		}
	}

	kprintf("boot complete")
}

// registerSyscalls wires every number in defs.Syscall_t to the vfs/proc
// operation it names. Buffer arguments are validated with
// intr.IsBufferValid before any copy touches them, the copy-in/copy-out
// boundary a real syscall gate enforces between ring 3 and ring 0.
func registerSyscalls() {
	intr.RegisterSyscall(defs.SysYield, func(pid defs.Pid_t, args [5]uint32) int32 {
		proc.Yield(false)
		return int32(defs.Success)
	})

	intr.RegisterSyscall(defs.SysGetTid, func(pid defs.Pid_t, args [5]uint32) int32 {
		return int32(proc.CurrentTid())
	})

	intr.RegisterSyscall(defs.SysGetPid, func(pid defs.Pid_t, args [5]uint32) int32 {
		return int32(pid)
	})

	intr.RegisterSyscall(defs.SysThreadDelete, func(pid defs.Pid_t, args [5]uint32) int32 {
		proc.DeleteThreadWithExit(proc.CurrentTid(), defs.Err_t(int32(args[0])))
		return int32(defs.Success)
	})

	intr.RegisterSyscall(defs.SysOpen, func(pid defs.Pid_t, args [5]uint32) int32 {
		p := proc.ProcByPid(pid)
		if p == nil {
			return int32(defs.Invalid)
		}
		pathPtr, pathLen, flags := args[0], args[1], defs.OpenFlags_t(args[2])
		if !intr.IsBufferValid(p.AddressSpace(), pathPtr, pathLen) {
			return int32(defs.Invalid)
		}
		raw, err := p.AddressSpace().ReadBytes(pathPtr, int(pathLen))
		if err != defs.Success {
			return int32(err)
		}
		path := vfs.Canonicalize(getCwd(pid), string(raw))
		fd, err := vfs.Open(pid, path, flags, -1)
		if err != defs.Success {
			return int32(err)
		}
		return int32(fd)
	})

	intr.RegisterSyscall(defs.SysClose, func(pid defs.Pid_t, args [5]uint32) int32 {
		return int32(vfs.Close(pid, int(args[0])))
	})

	intr.RegisterSyscall(defs.SysRead, func(pid defs.Pid_t, args [5]uint32) int32 {
		p := proc.ProcByPid(pid)
		if p == nil {
			return int32(defs.Invalid)
		}
		fd, bufPtr, bufLen := int(args[0]), args[1], args[2]
		if !intr.IsBufferValid(p.AddressSpace(), bufPtr, bufLen) {
			return int32(defs.Invalid)
		}
		buf := make([]byte, bufLen)
		n, err := vfs.Read(pid, fd, buf)
		if err != defs.Success {
			return int32(err)
		}
		if err := p.AddressSpace().WriteBytes(bufPtr, buf[:n]); err != defs.Success {
			return int32(err)
		}
		return int32(n)
	})

	intr.RegisterSyscall(defs.SysWrite, func(pid defs.Pid_t, args [5]uint32) int32 {
		p := proc.ProcByPid(pid)
		if p == nil {
			return int32(defs.Invalid)
		}
		fd, bufPtr, bufLen := int(args[0]), args[1], args[2]
		if !intr.IsBufferValid(p.AddressSpace(), bufPtr, bufLen) {
			return int32(defs.Invalid)
		}
		buf, err := p.AddressSpace().ReadBytes(bufPtr, int(bufLen))
		if err != defs.Success {
			return int32(err)
		}
		n, err := vfs.Write(pid, fd, buf)
		if err != defs.Success {
			return int32(err)
		}
		return int32(n)
	})

	intr.RegisterSyscall(defs.SysReadDir, func(pid defs.Pid_t, args [5]uint32) int32 {
		p := proc.ProcByPid(pid)
		if p == nil {
			return int32(defs.Invalid)
		}
		fd, bufPtr := int(args[0]), args[1]
		entries, err := vfs.ReadDir(pid, fd)
		if err != defs.Success {
			return int32(err)
		}
		if len(entries) == 0 {
			return 0
		}
		wireLen := uint32(len(entries) * defs.DirEntryWireSize)
		if !intr.IsBufferValid(p.AddressSpace(), bufPtr, wireLen) {
			return int32(defs.Invalid)
		}
		out := make([]byte, 0, wireLen)
		for _, e := range entries {
			w := e.Marshal()
			out = append(out, w[:]...)
		}
		if err := p.AddressSpace().WriteBytes(bufPtr, out); err != defs.Success {
			return int32(err)
		}
		return int32(len(entries))
	})

	intr.RegisterSyscall(defs.SysSeek, func(pid defs.Pid_t, args [5]uint32) int32 {
		off, err := vfs.Seek(pid, int(args[0]), int64(int32(args[1])), defs.Seek_t(args[2]))
		if err != defs.Success {
			return int32(err)
		}
		return int32(off)
	})

	intr.RegisterSyscall(defs.SysSpawn, func(pid defs.Pid_t, args [5]uint32) int32 {
		p := proc.ProcByPid(pid)
		if p == nil {
			return int32(defs.Invalid)
		}
		as := p.AddressSpace()
		pathPtr, pathLen := args[0], args[1]
		specPtr, specLen := args[2], args[3]

		if !intr.IsBufferValid(as, pathPtr, pathLen) {
			return int32(defs.Invalid)
		}
		raw, err := as.ReadBytes(pathPtr, int(pathLen))
		if err != defs.Success {
			return int32(err)
		}
		path := vfs.Canonicalize(getCwd(pid), string(raw))

		if specLen < spawnArgsWireSize {
			return int32(defs.Invalid)
		}
		spec, err := readSpawnArgs(as, specPtr)
		if err != defs.Success {
			return int32(err)
		}

		child, err := elfload.Load(pid, path, spec.Argv)
		if err != defs.Success {
			return int32(err)
		}
		setCwd(child.Pid(), getCwd(pid))

		for slot, fd := range spec.FdTransplant {
			if fd < 0 {
				continue
			}
			if tErr := vfs.TransplantFd(pid, int(fd), child.Pid(), slot); tErr != defs.Success {
				kprintf("spawn: fd transplant into slot %d failed: %s", slot, tErr.Name())
			}
		}

		if spec.DoWait {
			child.WaitExit()
			return int32(child.ExitErr())
		}
		return int32(child.Pid())
	})

	intr.RegisterSyscall(defs.SysWaitPid, func(pid defs.Pid_t, args [5]uint32) int32 {
		child := proc.ProcByPid(defs.Pid_t(args[0]))
		if child == nil {
			return int32(defs.NotExists)
		}
		child.WaitExit()
		return int32(child.ExitErr())
	})

	intr.RegisterSyscall(defs.SysGetCwd, func(pid defs.Pid_t, args [5]uint32) int32 {
		p := proc.ProcByPid(pid)
		if p == nil {
			return int32(defs.Invalid)
		}
		bufPtr, bufLen := args[0], args[1]
		c := getCwd(pid)
		if uint32(len(c))+1 > bufLen {
			return int32(defs.Nospace)
		}
		if !intr.IsBufferValid(p.AddressSpace(), bufPtr, bufLen) {
			return int32(defs.Invalid)
		}
		out := append([]byte(c), 0)
		if err := p.AddressSpace().WriteBytes(bufPtr, out); err != defs.Success {
			return int32(err)
		}
		return int32(len(c))
	})

	intr.RegisterSyscall(defs.SysSetCwd, func(pid defs.Pid_t, args [5]uint32) int32 {
		p := proc.ProcByPid(pid)
		if p == nil {
			return int32(defs.Invalid)
		}
		pathPtr, pathLen := args[0], args[1]
		if !intr.IsBufferValid(p.AddressSpace(), pathPtr, pathLen) {
			return int32(defs.Invalid)
		}
		raw, err := p.AddressSpace().ReadBytes(pathPtr, int(pathLen))
		if err != defs.Success {
			return int32(err)
		}
		setCwd(pid, vfs.Canonicalize(getCwd(pid), string(raw)))
		return int32(defs.Success)
	})

	intr.RegisterSyscall(defs.SysDuplicateFd, func(pid defs.Pid_t, args [5]uint32) int32 {
		fd, err := vfs.DuplicateFd(pid, int(args[0]), int(int32(args[1])))
		if err != defs.Success {
			return int32(err)
		}
		return int32(fd)
	})

	intr.RegisterSyscall(defs.SysPipe, func(pid defs.Pid_t, args [5]uint32) int32 {
		p := proc.ProcByPid(pid)
		if p == nil {
			return int32(defs.Invalid)
		}
		fdsPtr := args[0]
		if !intr.IsBufferValid(p.AddressSpace(), fdsPtr, 8) {
			return int32(defs.Invalid)
		}
		r, w, err := vfs.MakePipe(pid)
		if err != defs.Success {
			return int32(err)
		}
		var buf [8]byte
		putU32(buf[0:4], uint32(r))
		putU32(buf[4:8], uint32(w))
		if err := p.AddressSpace().WriteBytes(fdsPtr, buf[:]); err != defs.Success {
			return int32(err)
		}
		return int32(defs.Success)
	})
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Wire layout of the spawn syscall's args_spec buffer: a pointer to an
// array of (ptr, len) string descriptors plus a count, three fd slots
// to transplant into the child (-1 meaning "leave unset"), and a
// do-wait flag. Mirrors syscall_spawn_args_t/syscall_string_t from the
// userspace spawn wrapper.
const (
	spawnArgsArgvPtrOff      = 0
	spawnArgsArgvCountOff    = 4
	spawnArgsFdTransplantOff = 8
	spawnArgsDoWaitOff       = 20
	spawnArgsWireSize        = 24

	spawnStringPtrOff = 0
	spawnStringLenOff = 4
	spawnStringSize   = 8
)

// readSpawnArgs copies a spawn args_spec struct out of as at ptr and
// chases its argv array, one more level of user-memory indirection
// than a flat buffer: each argv entry is itself a (pointer, length)
// pair naming a string elsewhere in the caller's address space.
func readSpawnArgs(as *vm.AddressSpace, ptr uint32) (defs.SpawnArgs, defs.Err_t) {
	var spec defs.SpawnArgs

	if !intr.IsBufferValid(as, ptr, spawnArgsWireSize) {
		return spec, defs.Invalid
	}
	raw, err := as.ReadBytes(ptr, spawnArgsWireSize)
	if err != defs.Success {
		return spec, err
	}

	argvPtr := getU32(raw[spawnArgsArgvPtrOff:])
	argvCount := getU32(raw[spawnArgsArgvCountOff:])
	if argvCount > defs.MaxArgs {
		return spec, defs.Invalid
	}
	for i := 0; i < 3; i++ {
		spec.FdTransplant[i] = int32(getU32(raw[spawnArgsFdTransplantOff+i*4:]))
	}
	spec.DoWait = raw[spawnArgsDoWaitOff] != 0

	if argvCount == 0 {
		return spec, defs.Success
	}

	arrLen := argvCount * spawnStringSize
	if !intr.IsBufferValid(as, argvPtr, arrLen) {
		return spec, defs.Invalid
	}
	arr, err := as.ReadBytes(argvPtr, int(arrLen))
	if err != defs.Success {
		return spec, err
	}

	spec.Argv = make([]string, argvCount)
	for i := uint32(0); i < argvCount; i++ {
		entry := arr[i*spawnStringSize:]
		strPtr := getU32(entry[spawnStringPtrOff:])
		strLen := getU32(entry[spawnStringLenOff:])
		if !intr.IsBufferValid(as, strPtr, strLen) {
			return spec, defs.Invalid
		}
		s, err := as.ReadBytes(strPtr, int(strLen))
		if err != defs.Success {
			return spec, err
		}
		spec.Argv[i] = string(s)
	}
	return spec, defs.Success
}

func main() {
	Boot(BootInfo{
		MemRegions:     []frame.Region{{Start: 0, Size: 256 * 1024 * 1024}},
		KernelImageEnd: uint32(vm.ReservedEnd),
	})
	select {}
}
