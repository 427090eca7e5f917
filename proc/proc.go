// Package proc implements processes, threads, and the preemptive
// uniprocessor scheduler: a single ready queue, dispatch/yield, thread
// and process lifecycle, and the idle thread fallback.
//
// There is no real hardware to context-switch on, so "dispatch" is
// built from goroutines and channels: each thread is backed by exactly
// one goroutine, and only the goroutine for the current thread is ever
// allowed to run past its own park point — Dispatch unparks the incoming
// thread's goroutine and Yield parks the outgoing one (through
// arch.SuspendInKernel), preserving the
// uniprocessor, one-thread-runs-at-a-time model the scheduler design
// assumes. Thread and process bookkeeping use fixed pools linked by
// index rather than pointers or container/list, per the ready-queue
// design note: scheduler-critical paths must not allocate.
package proc

import (
	"sync"

	"github.com/cjsmeele/RikaiOS-sub000/arch"
	"github.com/cjsmeele/RikaiOS-sub000/defs"
	"github.com/cjsmeele/RikaiOS-sub000/ksync"
	"github.com/cjsmeele/RikaiOS-sub000/vm"
)

// MaxThreads and MaxProcs bound the fixed thread/process pools.
const MaxThreads = 512
const MaxProcs = 128

const noTid = defs.Tid_t(-1)
const noPid = defs.Pid_t(-1)

type threadState int

const (
	tsFree threadState = iota
	tsReady
	tsRunning
	tsBlocked
	tsDead
)

// Thread is one schedulable unit of execution.
type Thread struct {
	valid  bool
	tid    defs.Tid_t
	pid    defs.Pid_t
	kernel bool
	state  threadState

	// ready-queue links, by index into sched.threads.
	prevReady, nextReady defs.Tid_t

	// process's own thread-list links.
	prevInProc, nextInProc defs.Tid_t

	resumeCh chan struct{}
}

// Process groups one or more threads and owns an address space.
type Process struct {
	valid   bool
	pid     defs.Pid_t
	name    string
	as      *vm.AddressSpace
	exitSem *ksync.Semaphore
	exitErr defs.Err_t

	threadHead, threadTail defs.Tid_t
	threadCount            int
}

type scheduler struct {
	mu sync.Mutex

	threads [MaxThreads]Thread
	procs   [MaxProcs]Process

	readyHead, readyTail defs.Tid_t
	pausedHead, pausedTail defs.Tid_t

	current  defs.Tid_t
	idleTid  defs.Tid_t
	disabled bool
	paused   bool

	nextTid int
	nextPid int
}

var sched scheduler

func init() {
	sched.readyHead, sched.readyTail = noTid, noTid
	sched.pausedHead, sched.pausedTail = noTid, noTid
	sched.current = noTid
	sched.idleTid = noTid

	ksync.CurrentTid = CurrentTid
	ksync.Block = func() { Yield(true) }
	ksync.Unblock = Unblock

	// savedEsp carries the suspending thread's tid (encoded as uint32):
	// on real hardware this would be the address where the suspended
	// register frame lives, which is exactly the piece of context this
	// simulation needs to know which goroutine to park.
	arch.SuspendInKernel = func(savedEsp *uint32) {
		tid := defs.Tid_t(*savedEsp)
		<-sched.threads[tid].resumeCh
	}
	arch.ResumeInKernel = func(_ uint32) {}
}

// CurrentTid returns the tid of the thread presently executing on the
// (simulated) CPU.
func CurrentTid() defs.Tid_t {
	sched.mu.Lock()
	defer sched.mu.Unlock()
	return sched.current
}

// CurrentPid returns the pid owning the thread presently executing on
// the CPU, or defs.NoPid for a pure kernel thread.
func CurrentPid() defs.Pid_t {
	sched.mu.Lock()
	defer sched.mu.Unlock()
	cur := sched.current
	if cur == noTid || !sched.threads[cur].valid {
		return defs.NoPid
	}
	return sched.threads[cur].pid
}

// ProcByPid returns the process record for pid, or nil if it does not
// name a live process.
func ProcByPid(pid defs.Pid_t) *Process {
	sched.mu.Lock()
	defer sched.mu.Unlock()
	if pid < 0 || int(pid) >= MaxProcs || !sched.procs[pid].valid {
		return nil
	}
	return &sched.procs[pid]
}

// AddressSpace returns the process's virtual memory context.
func (p *Process) AddressSpace() *vm.AddressSpace { return p.as }

func (s *scheduler) allocTid() defs.Tid_t {
	for i := 0; i < MaxThreads; i++ {
		idx := (s.nextTid + i) % MaxThreads
		if !s.threads[idx].valid {
			s.nextTid = (idx + 1) % MaxThreads
			return defs.Tid_t(idx)
		}
	}
	panic("proc: thread pool exhausted")
}

func (s *scheduler) allocPid() defs.Pid_t {
	for i := 0; i < MaxProcs; i++ {
		idx := (s.nextPid + i) % MaxProcs
		if !s.procs[idx].valid {
			s.nextPid = (idx + 1) % MaxProcs
			return defs.Pid_t(idx)
		}
	}
	panic("proc: process pool exhausted")
}

// enqueueReadyTail appends tid to the tail of the ready queue. Caller must
// hold sched.mu.
func (s *scheduler) enqueueReadyTail(tid defs.Tid_t) {
	t := &s.threads[tid]
	t.state = tsReady
	t.prevReady, t.nextReady = noTid, noTid
	if s.readyTail == noTid {
		s.readyHead, s.readyTail = tid, tid
		return
	}
	t.prevReady = s.readyTail
	s.threads[s.readyTail].nextReady = tid
	s.readyTail = tid
}

// enqueueReadyHead pushes tid to the head of the ready queue — used for
// unblocked threads, on the assumption they have time-critical work.
func (s *scheduler) enqueueReadyHead(tid defs.Tid_t) {
	t := &s.threads[tid]
	t.state = tsReady
	t.nextReady = s.readyHead
	t.prevReady = noTid
	if s.readyHead != noTid {
		s.threads[s.readyHead].prevReady = tid
	}
	s.readyHead = tid
	if s.readyTail == noTid {
		s.readyTail = tid
	}
}

func (s *scheduler) dequeueReady() defs.Tid_t {
	tid := s.readyHead
	if tid == noTid {
		return noTid
	}
	t := &s.threads[tid]
	s.readyHead = t.nextReady
	if s.readyHead != noTid {
		s.threads[s.readyHead].prevReady = noTid
	} else {
		s.readyTail = noTid
	}
	t.nextReady, t.prevReady = noTid, noTid
	return tid
}

func (s *scheduler) removeFromReady(tid defs.Tid_t) {
	t := &s.threads[tid]
	if t.prevReady != noTid {
		s.threads[t.prevReady].nextReady = t.nextReady
	} else if s.readyHead == tid {
		s.readyHead = t.nextReady
	}
	if t.nextReady != noTid {
		s.threads[t.nextReady].prevReady = t.prevReady
	} else if s.readyTail == tid {
		s.readyTail = t.prevReady
	}
	t.prevReady, t.nextReady = noTid, noTid
}

func (s *scheduler) linkIntoProc(p *Process, tid defs.Tid_t) {
	t := &s.threads[tid]
	t.prevInProc, t.nextInProc = p.threadTail, noTid
	if p.threadTail != noTid {
		s.threads[p.threadTail].nextInProc = tid
	} else {
		p.threadHead = tid
	}
	p.threadTail = tid
	p.threadCount++
}

func (s *scheduler) unlinkFromProc(p *Process, tid defs.Tid_t) {
	t := &s.threads[tid]
	if t.prevInProc != noTid {
		s.threads[t.prevInProc].nextInProc = t.nextInProc
	} else {
		p.threadHead = t.nextInProc
	}
	if t.nextInProc != noTid {
		s.threads[t.nextInProc].prevInProc = t.prevInProc
	} else {
		p.threadTail = t.prevInProc
	}
	p.threadCount--
}

// MakeKernelThread creates and enqueues a kernel thread that runs fn to
// completion, then self-terminates as if delete_thread(self) had been
// called on return.
func MakeKernelThread(fn func()) defs.Tid_t {
	sched.mu.Lock()
	tid := sched.allocTid()
	sched.threads[tid] = Thread{
		valid:      true,
		tid:        tid,
		pid:        noPid,
		kernel:     true,
		state:      tsReady,
		prevReady:  noTid,
		nextReady:  noTid,
		prevInProc: noTid,
		nextInProc: noTid,
		resumeCh:   make(chan struct{}, 1),
	}
	sched.enqueueReadyTail(tid)
	sched.mu.Unlock()

	go func() {
		<-sched.threads[tid].resumeCh
		fn()
		DeleteThread(tid)
	}()
	return tid
}

// MakeProc creates a process with a single initial thread running
// entry (standing in for jumping to the ELF entry point — see
// DESIGN.md for why a real ring-3 jump cannot be expressed here), bound
// to address space as.
func MakeProc(name string, as *vm.AddressSpace, entry func()) *Process {
	sched.mu.Lock()
	pid := sched.allocPid()
	p := &sched.procs[pid]
	*p = Process{
		valid:       true,
		pid:         pid,
		name:        name,
		as:          as,
		exitSem:     ksync.NewSemaphore(0),
		threadHead:  noTid,
		threadTail:  noTid,
		threadCount: 0,
	}

	tid := sched.allocTid()
	sched.threads[tid] = Thread{
		valid:      true,
		tid:        tid,
		pid:        pid,
		kernel:     false,
		state:      tsReady,
		prevReady:  noTid,
		nextReady:  noTid,
		prevInProc: noTid,
		nextInProc: noTid,
		resumeCh:   make(chan struct{}, 1),
	}
	sched.linkIntoProc(p, tid)
	sched.enqueueReadyTail(tid)
	sched.mu.Unlock()

	go func() {
		<-sched.threads[tid].resumeCh
		entry()
		DeleteThread(tid)
	}()
	return p
}

// SetIdleThread designates tid as the thread dispatched when no other
// thread is ready or runnable; it must already have been created via
// MakeKernelThread.
func SetIdleThread(tid defs.Tid_t) {
	sched.mu.Lock()
	sched.idleTid = tid
	sched.removeFromReady(tid)
	sched.mu.Unlock()
}

// Dispatch resumes execution on tid: switches address space if needed,
// re-enqueues the outgoing thread, updates current, and wakes tid's
// goroutine.
func Dispatch(tid defs.Tid_t) {
	sched.mu.Lock()
	out := sched.current
	if out != noTid && sched.threads[out].valid {
		ot := &sched.threads[out]
		if ot.state != tsBlocked && ot.state != tsDead && out != sched.idleTid {
			sched.enqueueReadyTail(out)
		}
	}

	nt := &sched.threads[tid]
	if nt.pid != noPid {
		p := &sched.procs[nt.pid]
		vm.SwitchAddressSpace(p.as)
	} else {
		vm.SwitchAddressSpace(nil)
	}
	nt.state = tsRunning
	sched.current = tid
	ch := nt.resumeCh
	sched.mu.Unlock()

	// A thread dispatched again before it has parked (such as a running
	// idle thread) already has a wake-up pending; do not block on it.
	select {
	case ch <- struct{}{}:
	default:
	}
}

// DispatchNext picks the next thread to run: the dequeued ready-queue
// head if non-empty, else the current thread if still runnable, else
// idle.
func DispatchNext() defs.Tid_t {
	sched.mu.Lock()
	if sched.disabled {
		idle := sched.idleTid
		sched.mu.Unlock()
		return idle
	}
	tid := sched.dequeueReady()
	if tid != noTid {
		sched.mu.Unlock()
		return tid
	}
	cur := sched.current
	if cur != noTid && sched.threads[cur].valid && sched.threads[cur].state != tsBlocked {
		sched.mu.Unlock()
		return cur
	}
	idle := sched.idleTid
	sched.mu.Unlock()
	return idle
}

// Yield suspends the calling thread (marking it blocked if block is
// true) and dispatches the next ready thread, returning once this
// thread is dispatched again.
func Yield(block bool) {
	sched.mu.Lock()
	if sched.disabled {
		sched.mu.Unlock()
		return
	}
	cur := sched.current
	if cur == noTid {
		sched.mu.Unlock()
		panic("proc: Yield called with no current thread")
	}
	if block {
		sched.threads[cur].state = tsBlocked
	}
	sched.mu.Unlock()

	next := DispatchNext()
	Dispatch(next)
	savedEsp := uint32(cur)
	arch.SuspendInKernel(&savedEsp)
}

// Unblock marks tid runnable again and enqueues it at the head of the
// ready queue (signal latency matters more than fairness here).
func Unblock(tid defs.Tid_t) {
	sched.mu.Lock()
	defer sched.mu.Unlock()
	if !sched.threads[tid].valid {
		return
	}
	sched.enqueueReadyHead(tid)
}

// Pause stops scheduling new threads and dispatches the idle thread.
func Pause() {
	sched.mu.Lock()
	sched.disabled = true
	idle := sched.idleTid
	sched.mu.Unlock()
	Dispatch(idle)
}

// Resume re-enables scheduling.
func Resume() {
	sched.mu.Lock()
	sched.disabled = false
	sched.mu.Unlock()
}

// PauseUserspace splits every user (non-kernel) thread out of the ready
// queue into a side queue, leaving only kernel threads schedulable.
func PauseUserspace() {
	sched.mu.Lock()
	defer sched.mu.Unlock()
	sched.paused = true

	for tid := sched.readyHead; tid != noTid; {
		next := sched.threads[tid].nextReady
		if !sched.threads[tid].kernel {
			sched.removeFromReady(tid)
			sched.pushPaused(tid)
		}
		tid = next
	}
}

func (s *scheduler) pushPaused(tid defs.Tid_t) {
	t := &s.threads[tid]
	t.prevReady, t.nextReady = noTid, noTid
	if s.pausedTail == noTid {
		s.pausedHead, s.pausedTail = tid, tid
		return
	}
	t.prevReady = s.pausedTail
	s.threads[s.pausedTail].nextReady = tid
	s.pausedTail = tid
}

// ResumeUserspace re-enqueues every thread parked by PauseUserspace.
func ResumeUserspace() {
	sched.mu.Lock()
	defer sched.mu.Unlock()
	sched.paused = false
	for tid := sched.pausedHead; tid != noTid; {
		next := sched.threads[tid].nextReady
		sched.threads[tid].prevReady, sched.threads[tid].nextReady = noTid, noTid
		sched.enqueueReadyTail(tid)
		tid = next
	}
	sched.pausedHead, sched.pausedTail = noTid, noTid
}

// CloseProcessFiles is wired by vfs's init to vfs.CloseAllForProcess,
// the same hook-variable pattern ksync uses for Block/Unblock/
// CurrentTid: proc cannot import vfs without a cycle (vfs imports proc
// to reach this hook), so the var lives here and the higher-level
// package wires itself in.
var CloseProcessFiles func(pid defs.Pid_t)

// DeleteThread terminates tid as if it had exited normally (exit code
// defs.Success). See DeleteThreadWithExit.
func DeleteThread(tid defs.Tid_t) {
	DeleteThreadWithExit(tid, defs.Success)
}

// DeleteThreadWithExit tears down a thread, recording exitErr as its
// exit status. If it was its process's last thread, it also tears down
// the process: closes every file the process still has open, destroys
// the address space, records exitErr as the process's exit code, and
// signals the exit semaphore so WaitExit callers observe it. Panics if
// asked to delete the idle thread.
func DeleteThreadWithExit(tid defs.Tid_t, exitErr defs.Err_t) {
	sched.mu.Lock()
	if tid == sched.idleTid {
		sched.mu.Unlock()
		panic("proc: attempted to delete the idle thread")
	}
	t := &sched.threads[tid]
	sched.removeFromReady(tid)
	t.state = tsDead

	var deadProc *Process
	if t.pid != noPid {
		p := &sched.procs[t.pid]
		sched.unlinkFromProc(p, tid)
		if p.threadCount == 0 {
			deadProc = p
		}
	}
	wasCurrent := sched.current == tid
	t.valid = false
	sched.mu.Unlock()

	if deadProc != nil {
		if CloseProcessFiles != nil {
			CloseProcessFiles(deadProc.pid)
		}
		deadProc.exitErr = exitErr
		if deadProc.as != nil {
			deadProc.as.Delete()
		}
		deadProc.valid = false
		deadProc.exitSem.Signal()
	}

	if wasCurrent {
		next := DispatchNext()
		Dispatch(next)
	}
}

// WaitExit blocks until p's last thread has terminated.
func (p *Process) WaitExit() {
	p.exitSem.Wait()
}

// Pid returns the process's identifier.
func (p *Process) Pid() defs.Pid_t { return p.pid }

// Name returns the process's name.
func (p *Process) Name() string { return p.name }

// ExitErr returns the process's exit code, valid once WaitExit returns
// (i.e. once its last thread has terminated via DeleteThreadWithExit).
func (p *Process) ExitErr() defs.Err_t { return p.exitErr }
