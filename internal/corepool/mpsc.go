package corepool

import "sync/atomic"

// mpscNode is an intrusive singly-linked node for mpscQueue.
type mpscNode[T any] struct {
	next atomic.Pointer[mpscNode[T]]
	val  T
}

// mpscQueue is an unbounded multi-producer single-consumer queue, the same
// shape Dmitry Vyukov's classic lock-free MPSC queue uses: producers race a
// single atomic swap on tail, consumers (single-threaded, serialized by the
// engine's WIP guard) walk head->next. Both idle and pending use one of
// these, per spec §9 ("MPSC queues: required for both idle and pending
// because enqueues are concurrent but dequeues happen only inside the
// WIP-guarded drain").
//
// push is wait-free. pop has one known benign race: a push that has swapped
// tail but not yet linked prev.next will make the queue appear transiently
// empty to a concurrent pop even though an element is logically enqueued.
// The drain's WIP trampoline absorbs this: every engine call site that pushes
// calls drain() after push returns, so a drainer that misses an in-flight
// push will be asked to loop again before it goes idle.
type mpscQueue[T any] struct {
	head atomic.Pointer[mpscNode[T]]
	tail atomic.Pointer[mpscNode[T]]
}

func newMPSCQueue[T any]() *mpscQueue[T] {
	stub := &mpscNode[T]{}
	q := &mpscQueue[T]{}
	q.head.Store(stub)
	q.tail.Store(stub)
	return q
}

// push appends v. Safe to call from any number of concurrent goroutines.
func (q *mpscQueue[T]) push(v T) {
	n := &mpscNode[T]{val: v}
	prev := q.tail.Swap(n)
	prev.next.Store(n)
}

// pop removes and returns the oldest element. Must only be called from the
// single goroutine that currently holds the drain's WIP guard.
func (q *mpscQueue[T]) pop() (T, bool) {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		var zero T
		return zero, false
	}
	q.head.Store(next)
	v := next.val
	var zero T
	next.val = zero
	return v, true
}

// pushbackSlot re-queues a single value ahead of everything else currently
// pending, via set/take. Used by the drain when it pops an idle slot but
// finds no claimable borrower waiting for it, or vice versa. Implemented as a
// tiny single-slot side buffer rather than true head-insertion on the MPSC
// list (which has no safe single-consumer-side prepend without a second CAS
// point); the drain always drains this buffer before popping the main queue,
// which is sufficient because only the consumer-side goroutine ever reads or
// writes it.
type pushbackSlot[T any] struct {
	val     T
	present bool
}

func (s *pushbackSlot[T]) set(v T) {
	s.val = v
	s.present = true
}

func (s *pushbackSlot[T]) take() (T, bool) {
	if !s.present {
		var zero T
		return zero, false
	}
	v := s.val
	var zero T
	s.val = zero
	s.present = false
	return v, true
}
