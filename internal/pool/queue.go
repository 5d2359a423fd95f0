package pool

import (
	"sync/atomic"
)

// waiter is a one-shot rendezvous between a parked acquirer and a releaser.
// Exactly one side claims it: the releaser before handing a connection off,
// or the acquirer when its deadline fires.
type waiter struct {
	ch      chan *PooledConn
	claimed atomic.Bool
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan *PooledConn, 1)}
}

// claim wins the race for this waiter.
func (w *waiter) claim() bool {
	return w.claimed.CompareAndSwap(false, true)
}

// waiterQueue is an unbounded lock-free FIFO (Michael-Scott queue) of parked
// acquirers. FIFO order is the pool's fairness guarantee: the oldest waiter
// is always the next to receive a released connection.
type waiterQueue struct {
	head atomic.Pointer[waiterNode]
	tail atomic.Pointer[waiterNode]
	size atomic.Int64
}

type waiterNode struct {
	w    *waiter
	next atomic.Pointer[waiterNode]
}

func newWaiterQueue() *waiterQueue {
	q := &waiterQueue{}
	sentinel := &waiterNode{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Len returns the number of enqueued waiters, including claimed ones not yet
// popped.
func (q *waiterQueue) Len() int {
	n := q.size.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// push appends a waiter.
func (q *waiterQueue) push(w *waiter) {
	node := &waiterNode{w: w}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			// Tail lagging; help advance it.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, node) {
			q.tail.CompareAndSwap(tail, node)
			q.size.Add(1)
			return
		}
	}
}

// pop removes the oldest waiter, or returns nil when empty.
func (q *waiterQueue) pop() *waiter {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if next == nil {
			return nil
		}
		if head == tail {
			// Tail lagging behind a concurrent push.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if q.head.CompareAndSwap(head, next) {
			q.size.Add(-1)
			w := next.w
			next.w = nil
			return w
		}
	}
}

// popUnclaimed pops waiters until it finds one it can claim. Claimed-but-
// queued waiters (their acquirer timed out) are discarded in passing.
func (q *waiterQueue) popUnclaimed() *waiter {
	for {
		w := q.pop()
		if w == nil {
			return nil
		}
		if w.claim() {
			return w
		}
	}
}
