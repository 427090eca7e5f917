// Package intr models the interrupt descriptor table: exception
// dispatch (including the page-fault path into the virtual memory
// manager), IRQ dispatch with single-handler-per-line enforcement and
// timer-driven preemption, and the syscall gate's argument-buffer
// validation and dispatch table.
package intr

import (
	"fmt"
	"sync"

	"github.com/cjsmeele/RikaiOS-sub000/arch"
	"github.com/cjsmeele/RikaiOS-sub000/defs"
	"github.com/cjsmeele/RikaiOS-sub000/proc"
	"github.com/cjsmeele/RikaiOS-sub000/vm"
)

// Vector ranges, per the fixed IDT layout: exceptions occupy the low
// 32 gates, IRQs the next 16 (after PIC remapping), and 0xCA is the
// syscall gate.
const (
	ExceptionBase = 0x00
	ExceptionEnd  = 0x1F
	IRQBase       = 0x20
	IRQEnd        = 0x2F
	SyscallVector = 0xCA
	NumIRQs       = IRQEnd - IRQBase + 1

	PageFaultVector = 0x0E
	TimerIRQ        = 0
)

// Frame is the simulation's stand-in for a fully-formed interrupt
// frame: the common stub would have saved every general and segment
// register here before calling into the vector-specific handler.
type Frame struct {
	Vector    uint32
	ErrorCode uint32
	FromUser  bool
	AS        *vm.AddressSpace // the faulting/calling thread's address space
}

// interruptsDisabled starts true, mirroring a real boot where
// interrupts stay masked until the IDT and PIC remap are in place.
var interruptsDisabled = true
var intrMu sync.Mutex

func disableInterrupts() {
	intrMu.Lock()
	interruptsDisabled = true
	intrMu.Unlock()
}

func enableInterrupts() {
	intrMu.Lock()
	interruptsDisabled = false
	intrMu.Unlock()
}

// Wire installs this package's interrupt-enable/disable bracketing as
// the arch-level hook backend; a real boot build would instead wire
// arch.EnableInterrupts/DisableInterrupts to cli/sti. Call once during
// kernel bring-up.
func Wire() {
	arch.EnableInterrupts = enableInterrupts
	arch.DisableInterrupts = disableInterrupts
}

// InterruptsDisabled reports the simulated interrupt-flag state, for
// assertions in code that must only run within a disabled section.
func InterruptsDisabled() bool {
	intrMu.Lock()
	defer intrMu.Unlock()
	return interruptsDisabled
}

// --- Exceptions -------------------------------------------------------

// KillCurrentThread terminates the thread that faulted, recording
// defs.Misc as its exit code since it never reached its own
// thread_delete/exit call. Declared as a hook rather than called
// directly so tests can observe an escalation without tearing down a
// real thread.
var KillCurrentThread = func() { proc.DeleteThreadWithExit(proc.CurrentTid(), defs.Misc) }

// PanicFunc is called for an unrecoverable kernel-mode exception. It
// defaults to a real panic whose message carries the vector, error code
// and from-user flag (no register dump); tests may replace
// it to observe the failure instead of crashing the process.
var PanicFunc = func(f Frame) {
	panic(fmt.Sprintf("unhandled exception %#x (error %#x, from_user=%v)", f.Vector, f.ErrorCode, f.FromUser))
}

// HandlePageFault implements the page-fault exception handler: a
// non-present write fault from kernel code within the kernel-heap
// region is serviced by allocating and mapping the missing page;
// anything else escalates to PanicFunc (kernel-mode) or
// KillCurrentThread (user-mode).
func HandlePageFault(f Frame, faultAddr uint32, write bool) {
	if !f.FromUser && write {
		if err := vm.HandleKernelHeapFault(f.AS, faultAddr); err == defs.Success {
			return
		}
	}
	if f.FromUser {
		KillCurrentThread()
		return
	}
	PanicFunc(f)
}

// DispatchException routes a non-IRQ, non-syscall vector to its
// handler. Page faults go through HandlePageFault (faultAddr and write
// describe CR2 and the access type a real CPU would report); every
// other exception kills the offending user thread or panics in kernel
// mode.
func DispatchException(f Frame, faultAddr uint32, write bool) {
	if f.Vector == PageFaultVector {
		HandlePageFault(f, faultAddr, write)
		return
	}
	if f.FromUser {
		KillCurrentThread()
		return
	}
	PanicFunc(f)
}

// --- IRQs ---------------------------------------------------------------

// AckPIC is wired to the real PIC EOI sequence at boot; the simulation
// default does nothing since there is no 8259 to acknowledge.
var AckPIC = func(irq int) {}

var irqMu sync.Mutex
var irqHandlers [NumIRQs]func()

// RegisterIRQHandler installs handler for irq. Only one handler per
// IRQ line is permitted, matching the no-sharing rule of the original
// interrupt controller.
func RegisterIRQHandler(irq int, handler func()) {
	irqMu.Lock()
	defer irqMu.Unlock()
	if irq < 0 || irq >= NumIRQs {
		panic("intr: irq out of range")
	}
	if irqHandlers[irq] != nil {
		panic("intr: irq already has a registered handler")
	}
	irqHandlers[irq] = handler
}

// DispatchIRQ acknowledges the PIC (with cascade acknowledge for
// irq >= 8, mirrored by calling AckPIC twice) and invokes the
// registered handler, if any.
func DispatchIRQ(irq int) {
	AckPIC(irq)
	if irq >= 8 {
		AckPIC(2) // cascade line
	}
	irqMu.Lock()
	h := irqHandlers[irq]
	irqMu.Unlock()
	if h != nil {
		h()
	}
}

// SliceTicks is the number of timer ticks a thread runs before being
// preempted.
const SliceTicks = 5

var tickMu sync.Mutex
var ticks uint64
var ticksLeftInSlice = SliceTicks

// TimerTick is the timer IRQ handler: it bumps the tick counter and,
// once the current thread's slice is exhausted, yields the CPU without
// blocking (the "yield_noreturn" path).
func TimerTick() {
	tickMu.Lock()
	ticks++
	ticksLeftInSlice--
	exhausted := ticksLeftInSlice <= 0
	if exhausted {
		ticksLeftInSlice = SliceTicks
	}
	tickMu.Unlock()

	if exhausted {
		proc.Yield(false)
	}
}

// Ticks returns the number of timer interrupts serviced so far.
func Ticks() uint64 {
	tickMu.Lock()
	defer tickMu.Unlock()
	return ticks
}

// InstallTimer registers TimerTick as the handler for the timer IRQ.
// Split from init() so tests can install it explicitly without
// colliding with other tests that also register IRQ 0.
func InstallTimer() {
	RegisterIRQHandler(TimerIRQ, TimerTick)
}

// --- Syscalls -------------------------------------------------------------

// SyscallHandler services one syscall number; args holds up to five
// register-width arguments in the fixed calling convention, and the
// return value becomes the frame's result register (negative values
// are error codes per defs.Err_t).
type SyscallHandler func(pid defs.Pid_t, args [5]uint32) int32

var syscallMu sync.Mutex
var syscallTable = map[defs.Syscall_t]SyscallHandler{}

// RegisterSyscall installs the handler for a syscall number. Intended
// to be called once per number during boot wiring.
func RegisterSyscall(num defs.Syscall_t, h SyscallHandler) {
	syscallMu.Lock()
	defer syscallMu.Unlock()
	syscallTable[num] = h
}

// Syscall dispatches the syscall gate: it looks up num's handler and
// invokes it, or returns NotSupported if no handler is registered for
// that number.
func Syscall(pid defs.Pid_t, num defs.Syscall_t, args [5]uint32) int32 {
	syscallMu.Lock()
	h, ok := syscallTable[num]
	syscallMu.Unlock()
	if !ok {
		return int32(defs.NotSupported)
	}
	return h(pid, args)
}

// IsBufferValid implements the syscall argument-buffer check: the
// region [ptr, ptr+length) must lie entirely within user memory, must
// not overflow the address space, and every page it touches must
// currently be mapped in as.
func IsBufferValid(as *vm.AddressSpace, ptr, length uint32) bool {
	if length == 0 {
		return ptr >= vm.UserStart && ptr <= vm.UserEnd
	}
	end := ptr + length
	if end < ptr {
		return false
	}
	if ptr < vm.UserStart || end > vm.UserEnd {
		return false
	}
	const pageSize = 4096
	for va := ptr &^ (pageSize - 1); va < end; va += pageSize {
		if _, ok := as.Translate(va); !ok {
			return false
		}
	}
	return true
}
