package pool

import (
	"sync/atomic"
)

// bag is the slot arena. Every slot is an atomic pointer: nil when vacant,
// otherwise a PooledConn whose own state decides reservability. No mutex
// guards the arena; every mutation is a CAS on a slot or on a connection
// state.
type bag struct {
	slots []atomic.Pointer[PooledConn]
}

func newBag(capacity int) *bag {
	return &bag{slots: make([]atomic.Pointer[PooledConn], capacity)}
}

// reserveIdle scans for an Idle connection and CASes it to Reserved. First
// success wins; nil means the scan found nothing reservable.
func (b *bag) reserveIdle() *PooledConn {
	for i := range b.slots {
		pc := b.slots[i].Load()
		if pc == nil {
			continue
		}
		if pc.cas(StateIdle, StateReserved) {
			return pc
		}
	}
	return nil
}

// insert claims a vacant slot for a new connection, returning its index or
// -1 when the arena is full.
func (b *bag) insert(pc *PooledConn) int {
	for i := range b.slots {
		if b.slots[i].Load() != nil {
			continue
		}
		if b.slots[i].CompareAndSwap(nil, pc) {
			pc.slot = i
			return i
		}
	}
	return -1
}

// remove vacates a connection's slot. The caller must already have moved the
// state to Removed.
func (b *bag) remove(pc *PooledConn) {
	b.slots[pc.slot].CompareAndSwap(pc, nil)
}

// each calls fn for every populated slot.
func (b *bag) each(fn func(*PooledConn)) {
	for i := range b.slots {
		if pc := b.slots[i].Load(); pc != nil {
			fn(pc)
		}
	}
}

// count tallies populated slots by state.
func (b *bag) count() (idle, reserved, inUse int) {
	b.each(func(pc *PooledConn) {
		switch pc.State() {
		case StateIdle:
			idle++
		case StateReserved:
			reserved++
		case StateInUse:
			inUse++
		}
	})
	return
}
