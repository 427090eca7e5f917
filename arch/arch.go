// Package arch names the hardware entry points that real assembly glue
// would provide on actual x86 hardware: interrupt dispatch, context
// switching, and page-directory loading. Each is a function variable
// that the kernel's init path wires to a concrete backend; the default
// backend, installed by this package's init, simulates the hardware in
// software so the rest of the tree can be exercised without a real CPU
// in ring 0. Mirrors the teacher's hook-registration idiom
// (vm.Cpumap) for things that cannot be expressed as ordinary Go calls.
package arch

import "github.com/cjsmeele/RikaiOS-sub000/mem"

// InvalidatePage flushes va from the TLB. On the simulation backend
// this is a no-op, since there is no TLB to flush.
var InvalidatePage func(va uint32) = func(uint32) {}

// LoadPageDirectory loads the page-directory base register (CR3) with
// the physical address of a page directory. The simulation backend
// simply records the value for inspection by tests.
var LoadPageDirectory func(dir mem.Pa_t) = func(mem.Pa_t) {}

// CurrentPageDirectory returns the value last passed to
// LoadPageDirectory.
var CurrentPageDirectory func() mem.Pa_t = func() mem.Pa_t { return lastDir }

var lastDir mem.Pa_t

func init() {
	LoadPageDirectory = func(dir mem.Pa_t) { lastDir = dir }
	CurrentPageDirectory = func() mem.Pa_t { return lastDir }
}

// SuspendInKernel and ResumeInKernel stand in for the real
// suspend_in_kernel/resume_in_kernel assembly stubs that save/restore a
// kernel thread's register state and switch the stack pointer. Package
// proc wires these in its init: SuspendInKernel parks the current
// thread's goroutine until Dispatch resumes it, and ResumeInKernel is a
// no-op, since Go has no analogue of a raw stack-switch instruction.
var SuspendInKernel func(savedEsp *uint32)
var ResumeInKernel func(esp uint32)

// Threadpoline is the trampoline a newly created kernel thread starts
// at. Nothing in this repository assigns or calls it: proc starts each
// thread's entry closure directly on the thread's own goroutine.
var Threadpoline func()

// EnableInterrupts / DisableInterrupts bracket critical sections that
// the real kernel would protect by clearing the interrupt flag. In the
// simulation, intr.Wire sets them to functions that flip a
// mutex-guarded "interrupts disabled" flag.
var EnableInterrupts func()
var DisableInterrupts func()

// Halt stands in for "cli; hlt" — the panic path's final act.
var Halt func() = func() {}
