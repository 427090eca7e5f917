// Package ksync implements the kernel's blocking primitives: a counting
// semaphore, a mutex built from it, and a fixed-capacity single-reader/
// single-writer queue built from two semaphores.
//
// Blocking needs to suspend and resume threads, but ksync cannot import
// proc directly (proc's Process/Thread types embed semaphores, so proc
// must import ksync — importing the other way would be a cycle). ksync
// instead exposes hook function variables that proc wires up during its
// own init, mirroring the hook-registration pattern used elsewhere in
// the tree for hardware glue (see arch).
package ksync

import (
	"sync"

	"github.com/cjsmeele/RikaiOS-sub000/defs"
)

// CurrentTid, Block and Unblock are wired by proc.init. Block suspends
// the calling thread until a matching Unblock call; Unblock makes tid
// runnable again, inserted at the head of the ready queue.
var CurrentTid func() defs.Tid_t
var Block func()
var Unblock func(tid defs.Tid_t)

// MaxWaiters bounds the semaphore's internal waiter queue; exceeding it
// is a fail-hard kernel bug (too many threads contending on one
// semaphore almost always indicates a missing wakeup elsewhere).
const MaxWaiters = 64

// Semaphore is a classic counting semaphore. The critical section
// covering the counter and waiter queue is a single mutex standing in
// for "interrupts disabled", since there is no real interrupt
// controller in this tree; it is held only across the few instructions
// that inspect/update the counter and queue, matching the "short
// critical section" discipline the original relies on.
type Semaphore struct {
	mu      sync.Mutex
	counter int
	waiters []defs.Tid_t
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(initial int) *Semaphore {
	return &Semaphore{counter: initial}
}

// Signal wakes the next waiter if any are queued, else increments the
// counter.
func (s *Semaphore) Signal() {
	s.mu.Lock()
	if len(s.waiters) > 0 {
		tid := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		Unblock(tid)
		return
	}
	s.counter++
	s.mu.Unlock()
}

// Wait decrements the counter if positive, otherwise enqueues the
// caller's TID and blocks until signalled.
func (s *Semaphore) Wait() {
	s.mu.Lock()
	if s.counter > 0 {
		s.counter--
		s.mu.Unlock()
		return
	}
	if CurrentTid == nil || Block == nil {
		panic("ksync: CurrentTid/Block not wired by proc")
	}
	if len(s.waiters) >= MaxWaiters {
		s.mu.Unlock()
		panic("ksync: semaphore waiter queue full")
	}
	s.waiters = append(s.waiters, CurrentTid())
	s.mu.Unlock()
	Block()
}

// TryWait attempts a non-blocking decrement, reporting whether it
// succeeded.
func (s *Semaphore) TryWait() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counter > 0 {
		s.counter--
		return true
	}
	return false
}

// Mutex is a binary semaphore.
type Mutex struct {
	sem *Semaphore
}

// NewMutex creates an unlocked mutex.
func NewMutex() *Mutex {
	return &Mutex{sem: NewSemaphore(1)}
}

func (m *Mutex) Lock()        { m.sem.Wait() }
func (m *Mutex) Unlock()      { m.sem.Signal() }
func (m *Mutex) TryLock() bool { return m.sem.TryWait() }

// Queue is a fixed-capacity, single-reader/single-writer ring buffer
// gated by two semaphores: itemsAvailable counts filled slots,
// spaceAvailable counts empty ones. T is any value type; items are
// copied in and out.
type Queue[T any] struct {
	mu             sync.Mutex
	buf            []T
	head, tail     int
	itemsAvailable *Semaphore
	spaceAvailable *Semaphore
}

// NewQueue creates a bounded queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		buf:            make([]T, capacity),
		itemsAvailable: NewSemaphore(0),
		spaceAvailable: NewSemaphore(capacity),
	}
}

func (q *Queue[T]) push(v T) {
	q.mu.Lock()
	q.buf[q.tail] = v
	q.tail = (q.tail + 1) % len(q.buf)
	q.mu.Unlock()
}

func (q *Queue[T]) pop() T {
	q.mu.Lock()
	v := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.mu.Unlock()
	return v
}

// Enqueue waits for a free slot, then pushes v and signals a reader.
func (q *Queue[T]) Enqueue(v T) {
	q.spaceAvailable.Wait()
	q.push(v)
	q.itemsAvailable.Signal()
}

// Dequeue waits for an available item, pops it and signals a writer.
func (q *Queue[T]) Dequeue() T {
	q.itemsAvailable.Wait()
	v := q.pop()
	q.spaceAvailable.Signal()
	return v
}

// TryEnqueue attempts a non-blocking enqueue.
func (q *Queue[T]) TryEnqueue(v T) bool {
	if !q.spaceAvailable.TryWait() {
		return false
	}
	q.push(v)
	q.itemsAvailable.Signal()
	return true
}

// TryDequeue attempts a non-blocking dequeue.
func (q *Queue[T]) TryDequeue() (T, bool) {
	var zero T
	if !q.itemsAvailable.TryWait() {
		return zero, false
	}
	v := q.pop()
	q.spaceAvailable.Signal()
	return v, true
}
